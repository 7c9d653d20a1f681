package node

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"testing"

	"github.com/kstaniek/go-canopen-node/internal/canbus"
	"github.com/kstaniek/go-canopen-node/internal/metrics"
	"github.com/kstaniek/go-canopen-node/internal/od"
	"github.com/kstaniek/go-canopen-node/internal/storage"
)

type memBackend struct {
	mu     sync.Mutex
	blobs  map[storage.Group][]byte
	writes map[storage.Group]int
	erases map[storage.Group]int
	fail   bool
}

func newMemBackend() *memBackend {
	return &memBackend{
		blobs:  make(map[storage.Group][]byte),
		writes: make(map[storage.Group]int),
		erases: make(map[storage.Group]int),
	}
}

func (m *memBackend) Read(g storage.Group) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[g]
	if !ok {
		return nil, storage.ErrNotExist
	}
	return b, nil
}

func (m *memBackend) Write(g storage.Group, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("media gone")
	}
	m.writes[g]++
	m.blobs[g] = append([]byte(nil), blob...)
	return nil
}

func (m *memBackend) Erase(g storage.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.erases[g]++
	delete(m.blobs, g)
	return nil
}

func (m *memBackend) writeCount(g storage.Group) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[g]
}

type emcyRecord struct {
	code     uint16
	register uint8
	info     uint32
}

type fakeStack struct {
	mu        sync.Mutex
	initErr   error
	startErr  error
	bitrate   int
	candidate uint8
	handler   Handler
	pending   uint8
	idle      bool
	inits     int
	starts    int
	closes    int
	emcy      []emcyRecord
	busInfo   canbus.Info
	processFn func() // invoked on each Process call, under no lock
}

func newFakeStack() *fakeStack {
	return &fakeStack{idle: true, pending: UnassignedNodeID}
}

func (s *fakeStack) Init(bitrate int, nodeID uint8, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.inits++
	s.bitrate = bitrate
	s.candidate = nodeID
	s.pending = nodeID
	s.handler = h
	return nil
}

func (s *fakeStack) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	return nil
}

func (s *fakeStack) Process(timeout time.Duration) error {
	s.mu.Lock()
	fn := s.processFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	time.Sleep(time.Millisecond)
	return nil
}

func (s *fakeStack) PendingNodeID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *fakeStack) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *fakeStack) setPending(id uint8, idle bool) {
	s.mu.Lock()
	s.pending = id
	s.idle = idle
	s.mu.Unlock()
}

func (s *fakeStack) Emergency(code uint16, register uint8, info uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emcy = append(s.emcy, emcyRecord{code, register, info})
	return nil
}

func (s *fakeStack) emcyRecords() []emcyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emcyRecord(nil), s.emcy...)
}

func (s *fakeStack) BusInfo() canbus.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busInfo
}

func (s *fakeStack) SetBitrate(bitrate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = bitrate
	return nil
}

func (s *fakeStack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeBootloader struct {
	result BootloaderResult
	calls  []uint8
}

func (b *fakeBootloader) Request(nodeID uint8, command uint8) BootloaderResult {
	b.calls = append(b.calls, command)
	return b.result
}

type fakeSystem struct {
	mu      sync.Mutex
	reboots int
}

func (s *fakeSystem) RequestReboot() {
	s.mu.Lock()
	s.reboots++
	s.mu.Unlock()
}

func (s *fakeSystem) rebootCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reboots
}

type fakeSensors struct {
	temp, volt float32
	err        error
}

func (s *fakeSensors) Temperature() (float32, error) { return s.temp, s.err }
func (s *fakeSensors) Voltage() (float32, error)     { return s.volt, s.err }

type fakeDaisy struct {
	pulses  int
	present bool
}

func (d *fakeDaisy) ShiftPulse()   { d.pulses++ }
func (d *fakeDaisy) Present() bool { return d.present }

func saveCmd() []byte { return []byte{'e', 'v', 'a', 's'} }
func loadCmd() []byte { return []byte{'d', 'a', 'o', 'l'} }

// newTestNode builds a node with callbacks installed but without running
// the lifecycle.
func newTestNode(t *testing.T, opts ...Option) (*Node, *memBackend) {
	t.Helper()
	be := newMemBackend()
	n := New(Config{}, newFakeStack(), be, opts...)
	n.setDefaults()
	n.installCallbacks()
	return n, be
}

func TestStoreParamsSignature(t *testing.T) {
	n, be := newTestNode(t)

	if abort := n.dict.Write(idxStoreParams, subStoreApp, []byte{1, 2, 3, 4}); abort != od.AbortDataTransf {
		t.Errorf("garbage signature = %v, want AbortDataTransf", abort)
	}
	if be.writeCount(storage.ApplicationParams) != 0 {
		t.Error("refused store wrote to media")
	}
	if abort := n.dict.Write(idxStoreParams, subStoreApp, saveCmd()); abort != od.AbortNone {
		t.Fatalf("store app = %v, want AbortNone", abort)
	}
	if be.writeCount(storage.ApplicationParams) != 1 {
		t.Errorf("app writes = %d, want 1", be.writeCount(storage.ApplicationParams))
	}
	// The signature is a command; the entry keeps reporting capability.
	if b, _ := n.dict.Read(idxStoreParams, subStoreApp); binary.LittleEndian.Uint32(b) != storeSaveOnCmd {
		t.Errorf("entry holds %v after store command", b)
	}
}

func TestStoreParamsRefusesManagedGroups(t *testing.T) {
	n, _ := newTestNode(t)
	for _, sub := range []uint8{subStoreComm, subStoreRuntime} {
		if abort := n.dict.Write(idxStoreParams, sub, saveCmd()); abort != od.AbortDataTransf {
			t.Errorf("sub %d = %v, want AbortDataTransf", sub, abort)
		}
	}
}

func TestStoreAllSavesThreeGroups(t *testing.T) {
	n, be := newTestNode(t)
	if abort := n.dict.Write(idxStoreParams, subStoreAll, saveCmd()); abort != od.AbortNone {
		t.Fatalf("store all = %v", abort)
	}
	for _, g := range []storage.Group{storage.ApplicationParams, storage.Test, storage.Calibration} {
		if be.writeCount(g) != 1 {
			t.Errorf("group %s writes = %d, want 1", g, be.writeCount(g))
		}
	}
	if be.writeCount(storage.Communication) != 0 || be.writeCount(storage.Serial) != 0 {
		t.Error("store-all touched groups outside its fixed set")
	}
}

func TestStoreAllFailsWhenAnySaveFails(t *testing.T) {
	n, be := newTestNode(t)
	be.fail = true
	if abort := n.dict.Write(idxStoreParams, subStoreAll, saveCmd()); abort != od.AbortHardware {
		t.Errorf("store all with failing media = %v, want AbortHardware", abort)
	}
}

func TestStoreFailureRaisesEmergency(t *testing.T) {
	fs := newFakeStack()
	be := newMemBackend()
	n := New(Config{}, fs, be)
	n.setDefaults()
	n.installCallbacks()

	be.fail = true
	if abort := n.dict.Write(idxStoreParams, subStoreApp, saveCmd()); abort != od.AbortHardware {
		t.Fatalf("store with failing media = %v, want AbortHardware", abort)
	}
	recs := fs.emcyRecords()
	if len(recs) != 1 || recs[0].code != 0x5000 {
		t.Errorf("emergencies = %+v, want one 0x5000", recs)
	}
	if recs[0].info != uint32(storage.ApplicationParams) {
		t.Errorf("emergency info = %#x, want failing group", recs[0].info)
	}
}

func TestRefusedWritesAreCounted(t *testing.T) {
	n, _ := newTestNode(t)
	before := metrics.Snap().Refusals
	if abort := n.dict.Write(idxStoreParams, subStoreApp, []byte{1, 2, 3, 4}); abort == od.AbortNone {
		t.Fatal("garbage signature accepted")
	}
	if got := metrics.Snap().Refusals; got != before+1 {
		t.Errorf("refusals = %d, want %d", got, before+1)
	}
	// Accepted writes leave the counter alone.
	if abort := n.dict.Write(idxStoreParams, subStoreApp, saveCmd()); abort != od.AbortNone {
		t.Fatalf("store app = %v", abort)
	}
	if got := metrics.Snap().Refusals; got != before+1 {
		t.Errorf("refusals after accepted write = %d, want %d", got, before+1)
	}
}

func TestSerialLatch(t *testing.T) {
	n, _ := newTestNode(t)
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, 20230412_00654321)

	if abort := n.dict.Write(idxSerialRecord, 2, raw); abort != od.AbortNone {
		t.Fatalf("stage raw serial = %v", abort)
	}
	if abort := n.dict.Write(idxStoreParams, subStoreSerial, saveCmd()); abort != od.AbortNone {
		t.Fatalf("store serial = %v", abort)
	}

	tx := n.dict.Lock()
	valid := tx.U8(idxSerialRecord, 1)
	public := tx.U32(idxIdentity, 4)
	tx.Unlock()
	if valid != 1 {
		t.Error("record not latched")
	}
	if want := uint32(20230412_00654321 % serialModulus); public != want {
		t.Errorf("public serial = %d, want %d", public, want)
	}

	// Latched: no further store, no further raw write.
	if abort := n.dict.Write(idxStoreParams, subStoreSerial, saveCmd()); abort != od.AbortDeviceState {
		t.Errorf("second store = %v, want AbortDeviceState", abort)
	}
	other := make([]byte, 8)
	if abort := n.dict.Write(idxSerialRecord, 2, other); abort != od.AbortReadOnly {
		t.Errorf("raw write after latch = %v, want AbortReadOnly", abort)
	}
	tx = n.dict.Lock()
	defer tx.Unlock()
	if got := tx.U64(idxSerialRecord, 2); got != 20230412_00654321 {
		t.Errorf("raw serial changed after refused write: %d", got)
	}
}

func TestSerialLatchRevertsOnMediaFailure(t *testing.T) {
	n, be := newTestNode(t)
	be.fail = true
	if abort := n.dict.Write(idxStoreParams, subStoreSerial, saveCmd()); abort != od.AbortHardware {
		t.Fatalf("store serial = %v, want AbortHardware", abort)
	}
	if n.serialValid() {
		t.Error("latch set although the save failed")
	}
}

func TestRestoreParams(t *testing.T) {
	n, be := newTestNode(t)
	// Seed stored data so there is something to erase.
	if abort := n.dict.Write(idxStoreParams, subStoreApp, saveCmd()); abort != od.AbortNone {
		t.Fatal("seed save failed")
	}

	if abort := n.dict.Write(idxRestoreParams, subStoreApp, saveCmd()); abort != od.AbortDataTransf {
		t.Errorf("wrong signature = %v, want AbortDataTransf", abort)
	}
	tx := n.dict.Lock()
	tx.SetU32(idxAppParams, 1, 0x1111)
	tx.Unlock()

	if abort := n.dict.Write(idxRestoreParams, subStoreApp, loadCmd()); abort != od.AbortNone {
		t.Fatalf("restore = %v", abort)
	}
	if be.erases[storage.ApplicationParams] != 1 {
		t.Error("restore did not erase the stored snapshot")
	}
	// Deferred: live values survive until the next reset.
	tx = n.dict.Lock()
	defer tx.Unlock()
	if got := tx.U32(idxAppParams, 1); got != 0x1111 {
		t.Errorf("live value mutated by restore: %#x", got)
	}
}

func TestRestoreRefusesOtherGroups(t *testing.T) {
	n, _ := newTestNode(t)
	for _, sub := range []uint8{subStoreComm, subStoreRuntime, subStoreSerial, subStoreTest, subStoreCalib} {
		if abort := n.dict.Write(idxRestoreParams, sub, loadCmd()); abort != od.AbortDataTransf {
			t.Errorf("sub %d = %v, want AbortDataTransf", sub, abort)
		}
	}
	if abort := n.dict.Write(idxRestoreParams, 9, loadCmd()); abort != od.AbortSubUnknown {
		t.Errorf("out-of-range sub = %v, want AbortSubUnknown", abort)
	}
}

func TestCOBIDTimestampConsumerOnly(t *testing.T) {
	n, _ := newTestNode(t)
	producer := make([]byte, 4)
	binary.LittleEndian.PutUint32(producer, 0x100|1<<30)
	if abort := n.dict.Write(idxCOBIDTimestamp, 0, producer); abort != od.AbortDataTransf {
		t.Errorf("producer bit = %v, want AbortDataTransf", abort)
	}
	consumer := make([]byte, 4)
	binary.LittleEndian.PutUint32(consumer, 0x100)
	if abort := n.dict.Write(idxCOBIDTimestamp, 0, consumer); abort != od.AbortNone {
		t.Errorf("consumer cob-id = %v, want AbortNone", abort)
	}
}

func TestProgramControlMapping(t *testing.T) {
	tests := []struct {
		result BootloaderResult
		want   od.Abort
	}{
		{BootloaderOK, od.AbortNone},
		{BootloaderTimeout, od.AbortTimeout},
		{BootloaderWrongState, od.AbortDeviceState},
		{BootloaderReboot, od.AbortNone},
		{BootloaderInvalid, od.AbortInvalidValue},
	}
	for _, tt := range tests {
		bl := &fakeBootloader{result: tt.result}
		sys := &fakeSystem{}
		n, _ := newTestNode(t, WithBootloader(bl), WithSystem(sys))
		abort := n.dict.Write(idxProgramControl, 1, []byte{2})
		if abort != tt.want {
			t.Errorf("%v: abort = %v, want %v", tt.result, abort, tt.want)
		}
		if len(bl.calls) != 1 || bl.calls[0] != 2 {
			t.Errorf("%v: bootloader calls = %v", tt.result, bl.calls)
		}
		wantReboots := 0
		if tt.result == BootloaderReboot {
			wantReboots = 1
		}
		if sys.rebootCount() != wantReboots {
			t.Errorf("%v: reboots = %d, want %d", tt.result, sys.rebootCount(), wantReboots)
		}
	}
}

func TestDiagnosticsReads(t *testing.T) {
	n, _ := newTestNode(t, WithSensors(&fakeSensors{temp: 41.5, volt: 23.9}))

	b, abort := n.dict.Read(idxTemperature, 1)
	if abort != od.AbortNone {
		t.Fatalf("temperature read = %v", abort)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b)); got != 41.5 {
		t.Errorf("temperature = %v, want 41.5", got)
	}
	b, abort = n.dict.Read(idxVoltage, 1)
	if abort != od.AbortNone {
		t.Fatalf("voltage read = %v", abort)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b)); got != 23.9 {
		t.Errorf("voltage = %v, want 23.9", got)
	}
}

func TestDiagnosticsSensorFailure(t *testing.T) {
	n, _ := newTestNode(t, WithSensors(&fakeSensors{err: errors.New("adc")}))
	if _, abort := n.dict.Read(idxTemperature, 1); abort != od.AbortHardware {
		t.Errorf("failing sensor = %v, want AbortHardware", abort)
	}
}

func TestSensorFaultEmergencyLatch(t *testing.T) {
	fs := newFakeStack()
	sensors := &fakeSensors{temp: 41.5, err: errors.New("adc")}
	n := New(Config{}, fs, newMemBackend(), WithSensors(sensors))
	n.setDefaults()
	n.installCallbacks()

	// The first failed sample raises one emergency; repeats stay quiet.
	n.dict.Read(idxTemperature, 1)
	n.dict.Read(idxTemperature, 1)
	recs := fs.emcyRecords()
	if len(recs) != 1 || recs[0].code != 0xFF00 {
		t.Fatalf("emergencies after two failures = %+v, want one 0xFF00", recs)
	}

	// Recovery clears the latch with an error-reset frame.
	sensors.err = nil
	if _, abort := n.dict.Read(idxTemperature, 1); abort != od.AbortNone {
		t.Fatalf("recovered sensor = %v, want AbortNone", abort)
	}
	recs = fs.emcyRecords()
	if len(recs) != 2 || recs[1].code != 0x0000 || recs[1].info != 0xFF00 {
		t.Fatalf("emergencies after recovery = %+v, want trailing reset of 0xFF00", recs)
	}
}

func TestCANInfoReads(t *testing.T) {
	fs := newFakeStack()
	fs.busInfo = canbus.Info{RxFrames: 7, TxFrames: 3, ErrorFrames: 2, Recoveries: 4, BusOff: true}
	be := newMemBackend()
	n := New(Config{}, fs, be)
	n.setDefaults()
	n.installCallbacks()

	b, abort := n.dict.Read(idxCANInfo, subCANRxFrames)
	if abort != od.AbortNone || binary.LittleEndian.Uint32(b) != 7 {
		t.Errorf("rx frames = %v, %v", b, abort)
	}
	b, _ = n.dict.Read(idxCANInfo, subCANFlags)
	if b[0]&1 == 0 {
		t.Errorf("flags = %#x, want bus-off bit", b[0])
	}
	b, abort = n.dict.Read(idxCANInfo, subCANRecoveries)
	if abort != od.AbortNone || binary.LittleEndian.Uint32(b) != 4 {
		t.Errorf("recoveries = %v, %v", b, abort)
	}
	if _, abort := n.dict.Read(idxCANInfo, 99); abort != od.AbortSubUnknown {
		t.Errorf("unknown sub = %v, want AbortSubUnknown", abort)
	}
}

func TestDaisyChainEntry(t *testing.T) {
	daisy := &fakeDaisy{present: true}
	n, _ := newTestNode(t, WithDaisyChain(daisy))

	if abort := n.dict.Write(idxDaisyChain, subDaisyShiftIn, []byte{3}); abort != od.AbortInvalidValue {
		t.Errorf("shift-in nonzero = %v, want AbortInvalidValue", abort)
	}
	if abort := n.dict.Write(idxDaisyChain, subDaisyShiftIn, []byte{0}); abort != od.AbortNone {
		t.Errorf("shift-in zero = %v", abort)
	}
	if abort := n.dict.Write(idxDaisyChain, subDaisyShiftOut, []byte{1}); abort != od.AbortNone {
		t.Errorf("shift-out = %v", abort)
	}
	if daisy.pulses != 1 {
		t.Errorf("pulses = %d, want 1", daisy.pulses)
	}
	b, abort := n.dict.Read(idxDaisyChain, subDaisyNext)
	if abort != od.AbortNone || b[0] != 1 {
		t.Errorf("next = %v, %v, want presence reflected", b, abort)
	}
}

func TestNodeIDEntryValidation(t *testing.T) {
	n, _ := newTestNode(t)
	for _, id := range []uint8{0, 128, 200} {
		if abort := n.dict.Write(idxNodeID, 0, []byte{id}); abort != od.AbortInvalidValue {
			t.Errorf("id %d = %v, want AbortInvalidValue", id, abort)
		}
	}
	if abort := n.dict.Write(idxNodeID, 0, []byte{42}); abort != od.AbortNone {
		t.Errorf("id 42 = %v", abort)
	}
}

func TestBitRateEntryValidation(t *testing.T) {
	n, _ := newTestNode(t)
	ok := make([]byte, 2)
	binary.LittleEndian.PutUint16(ok, 500)
	if abort := n.dict.Write(idxBitRate, 0, ok); abort != od.AbortNone {
		t.Errorf("500 kbit = %v", abort)
	}
	bad := make([]byte, 2)
	binary.LittleEndian.PutUint16(bad, 123)
	if abort := n.dict.Write(idxBitRate, 0, bad); abort != od.AbortInvalidValue {
		t.Errorf("123 kbit = %v, want AbortInvalidValue", abort)
	}
}

func TestPDOControlCapability(t *testing.T) {
	n, _ := newTestNode(t)
	if abort := n.dict.Write(idxPDOControl, 1, []byte{1}); abort != od.AbortInvalidValue {
		t.Errorf("disabled capability = %v, want AbortInvalidValue", abort)
	}

	be := newMemBackend()
	n2 := New(Config{PDOManual: true}, newFakeStack(), be)
	n2.setDefaults()
	n2.installCallbacks()
	if abort := n2.dict.Write(idxPDOControl, 1, []byte{1}); abort != od.AbortNone {
		t.Errorf("enabled capability = %v, want AbortNone", abort)
	}
}

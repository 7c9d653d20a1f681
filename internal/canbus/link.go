package canbus

import (
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-canopen-node/internal/logging"
)

// LinkController toggles the network interface underneath the raw socket.
// The socket itself survives a down/up cycle; only frame flow stops.
type LinkController interface {
	Up() error
	Down() error
	SetBitrate(bitrate int) error
}

// IPLink drives the interface through the iproute2 "ip link" command,
// the same tool an operator would use. Transient failures (interface
// still settling after a controller restart) are retried briefly.
type IPLink struct {
	Iface string
}

func NewIPLink(iface string) *IPLink { return &IPLink{Iface: iface} }

func (l *IPLink) run(args ...string) error {
	return retry.Do(
		func() error {
			out, err := exec.Command("ip", args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("ip %v: %w (%s)", args, err, out)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (l *IPLink) Up() error {
	logging.L().Debug("can_link_up", "iface", l.Iface)
	return l.run("link", "set", l.Iface, "up")
}

func (l *IPLink) Down() error {
	logging.L().Debug("can_link_down", "iface", l.Iface)
	return l.run("link", "set", l.Iface, "down")
}

// SetBitrate reprograms the controller bit timing. The interface must be
// down; callers bounce the link around this.
func (l *IPLink) SetBitrate(bitrate int) error {
	logging.L().Info("can_link_bitrate", "iface", l.Iface, "bitrate", bitrate)
	return l.run("link", "set", l.Iface, "type", "can", "bitrate", strconv.Itoa(bitrate))
}

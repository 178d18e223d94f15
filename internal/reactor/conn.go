package reactor

import (
	"io"
	"os"
	"time"

	"github.com/lattice-systems/reactornet/internal/tlsadapt"
)

// rawConn is the minimal surface the connection loop needs, satisfied
// directly by net.Conn for plaintext connections and bridged onto
// tlsadapt.Conn's step-based API once a TLS handshake completes.
type rawConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// tlsRawConn adapts tlsadapt.Conn's {Done,NeedRead,NeedWrite,Failed}
// step results down to plain errors, so the connection loop's read/write
// code is identical whether or not TLS is in front of the socket.
type tlsRawConn struct {
	c *tlsadapt.Conn
}

func (w tlsRawConn) Read(b []byte) (int, error) {
	n, res := w.c.Read(b)
	return n, stepErr(res)
}

func (w tlsRawConn) Write(b []byte) (int, error) {
	n, res := w.c.Write(b)
	return n, stepErr(res)
}

func (w tlsRawConn) Close() error {
	return w.c.Shutdown()
}

func (w tlsRawConn) SetReadDeadline(t time.Time) error {
	return w.c.SetReadDeadline(t)
}

func stepErr(res tlsadapt.StepResult) error {
	switch res {
	case tlsadapt.Done:
		return nil
	case tlsadapt.NeedRead, tlsadapt.NeedWrite:
		return os.ErrDeadlineExceeded
	default:
		return io.ErrClosedPipe
	}
}

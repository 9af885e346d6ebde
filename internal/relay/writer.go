package relay

import "bufio"

// Writer is where relayed frames go. Write enqueues one raw frame;
// AwaitDrain applies backpressure by blocking until buffered output reached
// the client. Either returning an error means the client is gone.
type Writer interface {
	Write(frame []byte) error
	AwaitDrain() error
}

// BufioWriter adapts a *bufio.Writer (as handed out by fasthttp's
// SetBodyStreamWriter) to the Writer interface: drain is a flush.
type BufioWriter struct {
	W *bufio.Writer
}

func (b *BufioWriter) Write(frame []byte) error {
	_, err := b.W.Write(frame)
	return err
}

func (b *BufioWriter) AwaitDrain() error {
	return b.W.Flush()
}

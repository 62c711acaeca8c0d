package globalplatform

import (
	"log/slog"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
)

// Connection is a PC/SC reader connection. It implements Card and logs
// every APDU at debug level.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
	ATR       []byte
}

// Readers lists the PC/SC readers currently attached.
func Readers() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Connect opens the reader at readerIndex. With exclusive set the card is
// opened with scard.ShareExclusive, so no other process can send commands
// while a secure channel is open.
func Connect(readerIndex int, exclusive bool) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}

	readers, err := ctx.ListReaders()
	switch {
	case err != nil:
		ctx.Release()
		return nil, errors.Wrap(err, "list readers")
	case len(readers) == 0:
		ctx.Release()
		return nil, errors.New("no readers found")
	case readerIndex < 0 || readerIndex >= len(readers):
		ctx.Release()
		return nil, errors.Errorf("reader index %d out of range (0..%d)", readerIndex, len(readers)-1)
	}

	mode := scard.ShareShared
	if exclusive {
		mode = scard.ShareExclusive
	}
	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, mode, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, errors.Wrapf(err, "connect to %q", reader)
	}

	conn := &Connection{ctx: ctx, Card: card, Reader: reader, ReaderIdx: readerIndex}
	if st, err := card.Status(); err == nil {
		conn.ATR = st.Atr
	}
	slog.Debug("reader connected", "reader", reader, "exclusive", exclusive, "atr", hexUpper(conn.ATR))
	return conn, nil
}

// Close resets the card and releases the PC/SC context. Resetting ends any
// secure channel still open on the card.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.ResetCard)
		c.Card = nil
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
		c.ctx = nil
	}
}

// Transmit implements Card.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, errors.New("connection not established")
	}
	slog.Debug("apdu >>", "apdu", hexUpper(apdu))
	resp, err := c.Card.Transmit(apdu)
	if err != nil {
		return nil, errors.Wrap(err, "PC/SC transmit")
	}
	slog.Debug("apdu <<", "resp", hexUpper(resp))
	return resp, nil
}

package broker

import (
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const defaultPoolSize = 8

// channelPool keeps a bounded set of publisher channels alive over one AMQP
// connection. Channels are rented per publish and returned afterwards;
// channels that went bad in between are closed instead of pooled.
type channelPool struct {
	logger  zerolog.Logger
	maxSize int
	pool    chan *amqp.Channel
	count   int32

	mu       sync.Mutex
	conn     func() (*amqp.Connection, error)
	disposed bool
}

func newChannelPool(conn func() (*amqp.Connection, error), logger zerolog.Logger) *channelPool {
	return &channelPool{
		logger:  logger,
		maxSize: defaultPoolSize,
		pool:    make(chan *amqp.Channel, defaultPoolSize),
		conn:    conn,
	}
}

// rent returns a usable channel, preferring pooled ones.
func (p *channelPool) rent() (*amqp.Channel, error) {
	for {
		select {
		case ch, ok := <-p.pool:
			// A closed pool channel yields nil; dispose racing rent must
			// not crash the renter.
			if !ok || ch == nil {
				return nil, errors.New("broker: channel pool disposed")
			}
			atomic.AddInt32(&p.count, -1)
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
		}
		break
	}

	conn, err := p.conn()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// giveBack returns a channel to the pool, closing it when the pool is full
// or the channel is no longer usable.
func (p *channelPool) giveBack(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	p.mu.Lock()
	disposed := p.disposed
	p.mu.Unlock()

	if !disposed && !ch.IsClosed() && atomic.AddInt32(&p.count, 1) <= int32(p.maxSize) {
		select {
		case p.pool <- ch:
			return
		default:
		}
	} else if !disposed {
		atomic.AddInt32(&p.count, -1)
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logger.Debug().Err(err).Msg("failed to close surplus channel")
	}
}

// dispose drains and closes every pooled channel.
func (p *channelPool) dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.mu.Unlock()

	close(p.pool)
	for ch := range p.pool {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.logger.Debug().Err(err).Msg("failed to close pooled channel")
		}
	}
}

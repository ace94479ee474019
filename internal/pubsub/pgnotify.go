package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7999

const (
	listenTimeout = 5 * time.Second
	maxReconnect  = 30 * time.Second
)

var (
	ErrPayloadTooLarge = errors.New("notify payload too large")
	ErrBrokerClosed    = errors.New("broker closed")
)

// PGNotify is the change feed on top of LISTEN/NOTIFY, next to the postgres store.
// All subscriptions share one listener connection, hijacked from the pool so it never
// counts against pool_max_conns. Publishing uses the pool.
type PGNotify struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	mu        sync.Mutex
	topics    map[string]map[*subscriber]struct{}
	started   bool
	interrupt context.CancelFunc
	syncs     chan syncReq

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// syncReq asks the listener to make LISTEN state for topic match the registered handlers.
type syncReq struct {
	topic string
	reply chan error
}

func NewPGNotify(pool *pgxpool.Pool, log *zap.Logger) *PGNotify {
	ctx, cancel := context.WithCancel(context.Background())
	return &PGNotify{
		pool:   pool,
		log:    log,
		topics: make(map[string]map[*subscriber]struct{}),
		syncs:  make(chan syncReq, 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (p *PGNotify) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return ErrPayloadTooLarge
	}
	_, err = p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload))
	return err
}

func (p *PGNotify) Subscribe(topic string, fn func(Event)) (Subscription, error) {
	if err := p.ensureListener(); err != nil {
		return nil, err
	}

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	p.mu.Lock()
	if p.topics[topic] == nil {
		p.topics[topic] = make(map[*subscriber]struct{})
	}
	p.topics[topic][sub] = struct{}{}
	p.mu.Unlock()

	remove := func() {
		sub.once.Do(func() {
			p.mu.Lock()
			delete(p.topics[topic], sub)
			if len(p.topics[topic]) == 0 {
				delete(p.topics, topic)
			}
			close(sub.ch)
			p.mu.Unlock()
			p.requestSync(topic, nil)
		})
	}

	ctx, cancel := context.WithTimeout(p.ctx, listenTimeout)
	defer cancel()
	reply := make(chan error, 1)
	p.requestSync(topic, reply)
	select {
	case err := <-reply:
		if err != nil {
			remove()
			return nil, fmt.Errorf("listen %s: %w", topic, err)
		}
	case <-ctx.Done():
		remove()
		return nil, fmt.Errorf("listen %s: %w", topic, ctx.Err())
	}

	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
	}()
	return SubscriptionFunc(remove), nil
}

// Close stops the listener and releases its connection.
func (p *PGNotify) Close() {
	p.cancel()
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

func (p *PGNotify) ensureListener() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return ErrBrokerClosed
	}
	if p.started {
		return nil
	}
	conn, err := p.connect()
	if err != nil {
		return err
	}
	p.started = true
	go p.run(conn)
	return nil
}

func (p *PGNotify) connect() (*pgx.Conn, error) {
	ctx, cancel := context.WithTimeout(p.ctx, listenTimeout)
	defer cancel()
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	return pc.Hijack(), nil
}

// requestSync queues a LISTEN/UNLISTEN check for topic and wakes the listener.
func (p *PGNotify) requestSync(topic string, reply chan error) {
	select {
	case p.syncs <- syncReq{topic: topic, reply: reply}:
	case <-p.done:
		if reply != nil {
			reply <- ErrBrokerClosed
		}
		return
	}
	p.mu.Lock()
	if p.interrupt != nil {
		p.interrupt()
	}
	p.mu.Unlock()
}

func (p *PGNotify) run(conn *pgx.Conn) {
	defer close(p.done)
	listening := make(map[string]bool)
	defer func() {
		if conn == nil {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		p.applySyncs(conn, listening)

		waitCtx, cancel := context.WithCancel(p.ctx)
		p.mu.Lock()
		p.interrupt = cancel
		pending := len(p.syncs) > 0
		p.mu.Unlock()
		if pending {
			cancel()
		}

		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		p.mu.Lock()
		p.interrupt = nil
		p.mu.Unlock()

		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			if waitCtx.Err() != nil && !conn.IsClosed() {
				continue
			}
			p.log.Error("listener connection lost, reconnecting", zap.Error(err))
			_ = conn.Close(context.Background())
			if conn = p.reconnect(); conn == nil {
				return
			}
			clear(listening)
			p.relistenAll()
			continue
		}
		p.dispatch(n.Channel, n.Payload)
	}
}

func (p *PGNotify) applySyncs(conn *pgx.Conn, listening map[string]bool) {
	for {
		select {
		case req := <-p.syncs:
			err := p.syncTopic(conn, listening, req.topic)
			if req.reply != nil {
				req.reply <- err
			}
		default:
			return
		}
	}
}

func (p *PGNotify) syncTopic(conn *pgx.Conn, listening map[string]bool, topic string) error {
	p.mu.Lock()
	want := len(p.topics[topic]) > 0
	p.mu.Unlock()
	if want == listening[topic] {
		return nil
	}

	ctx, cancel := context.WithTimeout(p.ctx, listenTimeout)
	defer cancel()
	stmt := "UNLISTEN "
	if want {
		stmt = "LISTEN "
	}
	if _, err := conn.Exec(ctx, stmt+pgx.Identifier{topic}.Sanitize()); err != nil {
		return err
	}
	if want {
		listening[topic] = true
	} else {
		delete(listening, topic)
	}
	return nil
}

func (p *PGNotify) relistenAll() {
	p.mu.Lock()
	topics := make([]string, 0, len(p.topics))
	for t := range p.topics {
		topics = append(topics, t)
	}
	p.mu.Unlock()
	for _, t := range topics {
		select {
		case p.syncs <- syncReq{topic: t}:
		default:
			p.log.Warn("sync queue full, topic not relistened", zap.String("topic", t))
		}
	}
}

func (p *PGNotify) reconnect() *pgx.Conn {
	wait := 100 * time.Millisecond
	for {
		conn, err := p.connect()
		if err == nil {
			return conn
		}
		p.log.Warn("listener reconnect failed", zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-time.After(wait):
		case <-p.ctx.Done():
			return nil
		}
		wait = min(wait*2, maxReconnect)
	}
}

func (p *PGNotify) dispatch(topic, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		p.log.Warn("bad event payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			p.log.Warn("dropping event for slow subscriber", zap.String("topic", topic), zap.String("kind", string(ev.Kind)))
		}
	}
}

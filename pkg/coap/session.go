package coap

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/crawlins/kythira/pkg/metrics"
)

// A Session is the unicast exchange channel with one peer: a connected
// datagram socket, a message id counter and the table of in-flight
// exchanges keyed by token.
type Session struct {
	peer string
	conn *net.UDPConn
	log  Logger

	mutex         sync.Mutex
	nextMessageId uint16
	pending       map[string]chan *Message

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func dialSession(peer string, logger Logger) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve address %q: %w", peer, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %q: %w", peer, err)
	}

	s := Session{
		peer: peer,
		conn: conn,
		log:  logger,

		nextMessageId: randMessageId(),
		pending:       make(map[string]chan *Message),

		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.read()

	return &s, nil
}

func (s *Session) Peer() string {
	return s.peer
}

func (s *Session) read() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)

	for {
		nbBytes, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Debug(2, "session %s: cannot read datagram: %v",
					s.peer, err)
			}

			return
		}

		msg, err := ParseMessage(buf[:nbBytes])
		if err != nil {
			s.log.Debug(2, "session %s: %v", s.peer, err)
			continue
		}

		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *Message) {
	s.mutex.Lock()
	responseChan, found := s.pending[string(msg.Token)]
	s.mutex.Unlock()

	if !found {
		s.log.Debug(2, "session %s: no exchange for token %x",
			s.peer, msg.Token)
		return
	}

	select {
	case responseChan <- msg:
	default:
	}
}

// expect registers an exchange and returns the channel its responses are
// delivered on. The caller must forget the token when the exchange ends.
func (s *Session) expect(token []byte) chan *Message {
	responseChan := make(chan *Message, 4)

	s.mutex.Lock()
	s.pending[string(token)] = responseChan
	s.mutex.Unlock()

	return responseChan
}

func (s *Session) forget(token []byte) {
	s.mutex.Lock()
	delete(s.pending, string(token))
	s.mutex.Unlock()
}

func (s *Session) messageId() uint16 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := s.nextMessageId
	s.nextMessageId++

	return id
}

func (s *Session) write(datagram []byte) error {
	if _, err := s.conn.Write(datagram); err != nil {
		return fmt.Errorf("cannot write datagram to %q: %w", s.peer, err)
	}

	return nil
}

func (s *Session) close() {
	close(s.stopChan)
	s.conn.Close()
	s.wg.Wait()
}

type SessionPoolCfg struct {
	// MaxSessions bounds the number of simultaneous sessions; requests to
	// new peers beyond it fail with ErrOverloaded once nothing can be
	// evicted.
	MaxSessions int

	// MaxIdle bounds how many unused sessions are kept around for reuse.
	MaxIdle int

	// IdleTimeout is how long an unused session survives before the
	// janitor closes it.
	IdleTimeout time.Duration

	// MaxAge is the hard lifetime of an idle session, reuse notwithstanding.
	MaxAge time.Duration
}

func DefaultSessionPoolCfg() SessionPoolCfg {
	return SessionPoolCfg{
		MaxSessions: 100,
		MaxIdle:     10,
		IdleTimeout: 30 * time.Second,
		MaxAge:      5 * time.Minute,
	}
}

type pooledSession struct {
	session  *Session
	created  time.Time
	lastUsed time.Time
	ref      int
}

// A SessionPool hands out ref-counted sessions keyed by peer address.
// Sessions are dialed lazily, reused while referenced or recently used,
// and reaped by a janitor once idle for too long.
type SessionPool struct {
	cfg     SessionPoolCfg
	log     Logger
	metrics metrics.Metrics

	mutex    sync.Mutex
	sessions map[string]*pooledSession
	closed   bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSessionPool(cfg SessionPoolCfg, logger Logger, m metrics.Metrics) *SessionPool {
	defaults := DefaultSessionPoolCfg()

	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = defaults.MaxIdle
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaults.MaxAge
	}

	if m == nil {
		m = metrics.Nop
	}

	p := SessionPool{
		cfg:     cfg,
		log:     logger,
		metrics: m,

		sessions: make(map[string]*pooledSession),

		stopChan: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.janitor()

	return &p
}

// Get returns the session for a peer, dialing one if needed. The caller
// must return it with Put once its exchange is over.
func (p *SessionPool) Get(peer string) (*Session, error) {
	p.mutex.Lock()

	if p.closed {
		p.mutex.Unlock()
		return nil, fmt.Errorf("session pool closed")
	}

	if entry, found := p.sessions[peer]; found {
		entry.ref++
		entry.lastUsed = time.Now()
		p.mutex.Unlock()

		p.metrics.Count("coap.session_reuses", 1, nil)

		return entry.session, nil
	}

	var victims []*Session

	if len(p.sessions) >= p.cfg.MaxSessions {
		victims = p.expiredSessionsLocked()
	}

	if len(p.sessions) >= p.cfg.MaxSessions {
		if victim := p.removeOldestIdleLocked(); victim != nil {
			victims = append(victims, victim)
		}
	}

	full := len(p.sessions) >= p.cfg.MaxSessions

	p.mutex.Unlock()

	for _, victim := range victims {
		victim.close()
	}

	if full {
		p.metrics.Count("coap.session_limit_reached", 1, nil)
		return nil, fmt.Errorf("cannot create session for %q: %w",
			peer, ErrOverloaded)
	}

	// Dialing happens outside the lock; if another goroutine created the
	// session for this peer in the meantime, the duplicate is discarded.
	session, err := dialSession(peer, p.log)
	if err != nil {
		return nil, err
	}

	p.mutex.Lock()

	if p.closed {
		p.mutex.Unlock()
		session.close()
		return nil, fmt.Errorf("session pool closed")
	}

	if entry, found := p.sessions[peer]; found {
		entry.ref++
		entry.lastUsed = time.Now()
		p.mutex.Unlock()

		session.close()

		return entry.session, nil
	}

	now := time.Now()
	p.sessions[peer] = &pooledSession{
		session:  session,
		created:  now,
		lastUsed: now,
		ref:      1,
	}
	nbSessions := len(p.sessions)

	p.mutex.Unlock()

	p.metrics.Count("coap.sessions_created", 1, nil)
	p.metrics.SetGauge("coap.active_sessions", float64(nbSessions), nil)

	return session, nil
}

// Put releases a session obtained with Get. Idle sessions beyond the keep
// limit are closed immediately, oldest first.
func (p *SessionPool) Put(session *Session) {
	p.mutex.Lock()

	entry, found := p.sessions[session.peer]
	if !found || entry.session != session {
		p.mutex.Unlock()
		session.close()
		return
	}

	entry.ref--
	entry.lastUsed = time.Now()

	var victim *Session
	if entry.ref == 0 && p.nbIdleLocked() > p.cfg.MaxIdle {
		victim = p.removeOldestIdleLocked()
	}

	p.mutex.Unlock()

	if victim != nil {
		victim.close()
		p.metrics.Count("coap.sessions_evicted", 1, nil)
	}
}

func (p *SessionPool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.sessions)
}

// CleanupExpired closes idle sessions past their idle timeout or hard
// lifetime and returns how many were closed.
func (p *SessionPool) CleanupExpired() int {
	p.mutex.Lock()
	victims := p.expiredSessionsLocked()
	nbSessions := len(p.sessions)
	p.mutex.Unlock()

	for _, victim := range victims {
		victim.close()
	}

	if len(victims) > 0 {
		p.metrics.Count("coap.sessions_expired", float64(len(victims)), nil)
		p.metrics.SetGauge("coap.active_sessions", float64(nbSessions), nil)
	}

	return len(victims)
}

// Shed closes the least recently used half of the idle sessions and
// returns how many were closed.
func (p *SessionPool) Shed() int {
	p.mutex.Lock()

	var idle []*pooledSession
	for _, entry := range p.sessions {
		if entry.ref == 0 {
			idle = append(idle, entry)
		}
	}

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastUsed.Before(idle[j].lastUsed)
	})

	var victims []*Session
	for _, entry := range idle[:len(idle)/2] {
		delete(p.sessions, entry.session.peer)
		victims = append(victims, entry.session)
	}

	p.mutex.Unlock()

	for _, victim := range victims {
		victim.close()
	}

	if len(victims) > 0 {
		p.metrics.Count("coap.sessions_shed", float64(len(victims)), nil)
	}

	return len(victims)
}

func (p *SessionPool) Close() {
	p.mutex.Lock()

	if p.closed {
		p.mutex.Unlock()
		return
	}

	p.closed = true

	victims := make([]*Session, 0, len(p.sessions))
	for _, entry := range p.sessions {
		victims = append(victims, entry.session)
	}
	p.sessions = make(map[string]*pooledSession)

	p.mutex.Unlock()

	close(p.stopChan)

	for _, victim := range victims {
		victim.close()
	}

	p.wg.Wait()
}

func (p *SessionPool) expiredSessionsLocked() []*Session {
	now := time.Now()

	var victims []*Session
	for peer, entry := range p.sessions {
		if entry.ref > 0 {
			continue
		}

		if now.Sub(entry.lastUsed) > p.cfg.IdleTimeout ||
			now.Sub(entry.created) > p.cfg.MaxAge {
			delete(p.sessions, peer)
			victims = append(victims, entry.session)
		}
	}

	return victims
}

func (p *SessionPool) nbIdleLocked() int {
	var nbIdle int
	for _, entry := range p.sessions {
		if entry.ref == 0 {
			nbIdle++
		}
	}

	return nbIdle
}

func (p *SessionPool) removeOldestIdleLocked() *Session {
	var oldest *pooledSession
	for _, entry := range p.sessions {
		if entry.ref > 0 {
			continue
		}

		if oldest == nil || entry.lastUsed.Before(oldest.lastUsed) {
			oldest = entry
		}
	}

	if oldest == nil {
		return nil
	}

	delete(p.sessions, oldest.session.peer)

	return oldest.session
}

func (p *SessionPool) janitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return

		case <-ticker.C:
			p.CleanupExpired()
			p.handleResourceExhaustion()
		}
	}
}

// handleResourceExhaustion relieves a pool still full after the expiry
// sweep by shedding the least recently used idle sessions.
func (p *SessionPool) handleResourceExhaustion() {
	p.mutex.Lock()
	full := len(p.sessions) >= p.cfg.MaxSessions
	p.mutex.Unlock()

	if !full {
		return
	}

	if nbShed := p.Shed(); nbShed > 0 {
		p.log.Info("session pool full, shed %d idle sessions", nbShed)
		p.metrics.Count("coap.resource_exhaustions", 1, nil)
	}
}

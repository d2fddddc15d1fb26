package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// subscriberBuffer is the channel buffer of each topic subscriber.
const subscriberBuffer = 100

// removalPattern matches the removal policies understood by [Memory].
var removalPattern = regexp.MustCompile(`^when no session has "\$Principal (?:is|eq) '([^']*)'" for (\S+)$`)

// Memory is an in-process broker implementing [Connector] and the session
// features behind it.
//
// Memory keeps the latest value of every topic. Update sources registered
// for the same path are arbitrated in registration order: the first is
// active, the rest are standby and are promoted when the active source goes
// away. Notifications for a session are delivered in order on a goroutine
// owned by that session.
type Memory struct {
	mu         sync.Mutex
	topics     map[string]*memoryTopic
	sources    map[string][]*memoryRegistration
	sessions   map[string]*memorySession
	topicLimit int
	logger     *slog.Logger

	subMu       sync.RWMutex
	subscribers map[chan TopicSnapshot]struct{}
}

type memoryTopic struct {
	spec      TopicSpec
	value     []byte
	updates   int64
	updatedAt time.Time
	removal   *removalPolicy
}

type removalPolicy struct {
	principal string
	grace     time.Duration
}

// MemoryOption configures a [Memory] broker.
type MemoryOption func(*Memory)

// WithTopicLimit caps the number of topics; creation beyond the cap fails
// with [ErrTopicLicenseLimit]. Zero means unlimited.
func WithTopicLimit(n int) MemoryOption {
	return func(m *Memory) {
		m.topicLimit = n
	}
}

// WithLogger sets the logger used by the broker.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMemory creates an empty in-memory broker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		topics:      make(map[string]*memoryTopic),
		sources:     make(map[string][]*memoryRegistration),
		sessions:    make(map[string]*memorySession),
		logger:      slog.Default(),
		subscribers: make(map[chan TopicSnapshot]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open opens a session. The session reports CONNECTING to CONNECTED to its
// state listener once opened.
func (m *Memory) Open(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &memorySession{
		broker:    m,
		id:        uuid.NewString(),
		principal: opts.Principal,
		opts:      opts,
		state:     StateConnecting,
		events:    newNotifier(),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.transitionLocked(s, StateConnected)
	m.mu.Unlock()

	m.logger.Debug("broker session opened", "session", s.id, "principal", s.principal)
	return s, nil
}

// Disconnect simulates a transport failure: the session moves to RECOVERING.
func (m *Memory) Disconnect(session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[session.ID()]
	if !ok {
		return ErrSessionClosed
	}
	if s.state != StateConnected {
		return fmt.Errorf("broker: cannot disconnect session in state %s", s.state)
	}
	m.transitionLocked(s, StateRecovering)
	return nil
}

// Reconnect ends a simulated transport failure: the session moves back to
// CONNECTED.
func (m *Memory) Reconnect(session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[session.ID()]
	if !ok {
		return ErrSessionClosed
	}
	if s.state != StateRecovering {
		return fmt.Errorf("broker: cannot reconnect session in state %s", s.state)
	}
	m.transitionLocked(s, StateConnected)
	return nil
}

// Lose simulates failed recovery: the session is closed by the broker and
// its OnLost listener is notified.
func (m *Memory) Lose(session Session) error {
	m.mu.Lock()
	s, ok := m.sessions[session.ID()]
	m.mu.Unlock()
	if !ok {
		return ErrSessionClosed
	}
	m.closeSession(s, true)
	return nil
}

// Topics returns a snapshot of all topics ordered by path.
func (m *Memory) Topics() []TopicSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TopicSnapshot, 0, len(m.topics))
	for path, t := range m.topics {
		out = append(out, t.snapshot(path))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Topic returns the snapshot of the topic at path.
func (m *Memory) Topic(path string) (TopicSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.topics[path]
	if !ok {
		return TopicSnapshot{}, false
	}
	return t.snapshot(path), true
}

// Subscribe creates a new subscription and returns a channel for receiving
// topic updates.
//
// The returned channel has a buffer of 100 messages. If the buffer fills
// (slow consumer), new updates are dropped for this subscriber.
//
// Caller must call [Memory.Unsubscribe] when done to prevent resource leaks.
func (m *Memory) Subscribe() <-chan TopicSnapshot {
	ch := make(chan TopicSnapshot, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
//
// Safe to call multiple times or with an unknown channel.
func (m *Memory) Unsubscribe(ch <-chan TopicSnapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends the update to all active subscribers without
// blocking.
func (m *Memory) notifySubscribers(update TopicSnapshot) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// transitionLocked moves s to next and queues the state notification.
// m.mu must be held.
func (m *Memory) transitionLocked(s *memorySession, next State) {
	prev := s.state
	if prev == next || prev == StateClosed {
		return
	}
	s.state = next
	if listener := s.opts.OnStateChange; listener != nil {
		s.events.post(func() { listener(s, prev, next) })
	}
}

func (m *Memory) closeSession(s *memorySession, lost bool) {
	m.mu.Lock()
	if s.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(s, StateClosed)
	delete(m.sessions, s.id)

	for path, regs := range m.sources {
		for _, reg := range regs {
			if reg.session == s {
				m.removeRegistrationLocked(path, reg)
			}
		}
	}
	m.scheduleRemovalLocked(s.principal)
	m.mu.Unlock()

	if lost {
		if onLost := s.opts.OnLost; onLost != nil {
			s.events.post(func() { onLost(s) })
		}
	}
	s.events.stop()

	m.logger.Debug("broker session closed", "session", s.id, "lost", lost)
}

// removeRegistrationLocked drops reg and promotes the next standby source if
// reg was active. m.mu must be held.
func (m *Memory) removeRegistrationLocked(path string, reg *memoryRegistration) {
	if reg.closed {
		return
	}
	reg.closed = true

	regs := m.sources[path]
	idx := -1
	for i, r := range regs {
		if r == reg {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	regs = append(regs[:idx:idx], regs[idx+1:]...)
	if len(regs) == 0 {
		delete(m.sources, path)
	} else {
		m.sources[path] = regs
	}

	if onClose := reg.handlers.OnClose; onClose != nil {
		reg.session.events.post(func() { onClose(path) })
	}

	if idx == 0 && len(regs) > 0 {
		next := regs[0]
		if onActive := next.handlers.OnActive; onActive != nil {
			updater := &memoryUpdater{reg: next}
			next.session.events.post(func() { onActive(path, updater) })
		}
	}
}

// scheduleRemovalLocked arms expiry of the topics owned by principal once no
// session with that principal remains. m.mu must be held.
func (m *Memory) scheduleRemovalLocked(principal string) {
	if m.principalPresentLocked(principal) {
		return
	}

	var grace time.Duration = -1
	for _, t := range m.topics {
		if t.removal != nil && t.removal.principal == principal && t.removal.grace > grace {
			grace = t.removal.grace
		}
	}
	if grace < 0 {
		return
	}

	time.AfterFunc(grace, func() { m.expire(principal) })
}

func (m *Memory) expire(principal string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.principalPresentLocked(principal) {
		return
	}
	for path, t := range m.topics {
		if t.removal != nil && t.removal.principal == principal {
			delete(m.topics, path)
			m.logger.Debug("topic expired by removal policy", "path", path, "principal", principal)
		}
	}
}

func (m *Memory) principalPresentLocked(principal string) bool {
	for _, s := range m.sessions {
		if s.principal == principal {
			return true
		}
	}
	return false
}

func (t *memoryTopic) snapshot(path string) TopicSnapshot {
	return TopicSnapshot{
		Path:      path,
		Type:      t.spec.Type,
		Value:     append([]byte(nil), t.value...),
		Updates:   t.updates,
		UpdatedAt: t.updatedAt,
	}
}

// memorySession is a session of a Memory broker.
type memorySession struct {
	broker    *Memory
	id        string
	principal string
	opts      Options
	state     State // guarded by broker.mu
	events    *notifier
}

func (s *memorySession) ID() string        { return s.id }
func (s *memorySession) Principal() string { return s.principal }

func (s *memorySession) State() State {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.state
}

func (s *memorySession) Close() error {
	s.broker.closeSession(s, false)
	return nil
}

func (s *memorySession) TopicControl() TopicControl   { return memoryTopicControl{s: s} }
func (s *memorySession) UpdateControl() UpdateControl { return s }

func (s *memorySession) RegisterUpdateSource(path string, handlers UpdateSourceHandlers) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if err := validatePath(path); err != nil {
		if onError := handlers.OnError; onError != nil {
			s.events.post(func() { onError(path, err) })
		}
		return nil
	}

	reg := &memoryRegistration{session: s, path: path, handlers: handlers}
	m.sources[path] = append(m.sources[path], reg)
	active := len(m.sources[path]) == 1

	if onRegistered := handlers.OnRegistered; onRegistered != nil {
		s.events.post(func() { onRegistered(path, reg) })
	}
	if active {
		if onActive := handlers.OnActive; onActive != nil {
			updater := &memoryUpdater{reg: reg}
			s.events.post(func() { onActive(path, updater) })
		}
	} else if onStandby := handlers.OnStandby; onStandby != nil {
		s.events.post(func() { onStandby(path) })
	}
	return nil
}

type memoryTopicControl struct {
	s *memorySession
}

func (c memoryTopicControl) AddTopic(ctx context.Context, path string, spec TopicSpec) (AddResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validatePath(path); err != nil {
		return 0, err
	}
	switch spec.Type {
	case TopicTypeJSON, TopicTypeString, TopicTypeBinary:
	default:
		return 0, fmt.Errorf("%w: unknown topic type %q", ErrInvalidTopicSpecification, spec.Type)
	}
	removal, err := parseRemoval(spec.Properties[PropertyRemoval])
	if err != nil {
		return 0, err
	}

	m := c.s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.s.state == StateClosed {
		return 0, ErrSessionClosed
	}
	if existing, ok := m.topics[path]; ok {
		if existing.spec.Type != spec.Type {
			return 0, fmt.Errorf("%w: %s is %s", ErrIncompatibleExistingTopic, path, existing.spec.Type)
		}
		return AddExists, nil
	}
	if m.topicLimit > 0 && len(m.topics) >= m.topicLimit {
		return 0, ErrTopicLicenseLimit
	}

	m.topics[path] = &memoryTopic{spec: copySpec(spec), removal: removal}
	return AddCreated, nil
}

func (c memoryTopicControl) RemoveTopics(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m := c.s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.s.state == StateClosed {
		return 0, ErrSessionClosed
	}

	root, subtree := strings.CutSuffix(selector, "//")
	removed := 0
	for path := range m.topics {
		if path == root || (subtree && strings.HasPrefix(path, root+"/")) {
			delete(m.topics, path)
			removed++
		}
	}
	return removed, nil
}

type memoryRegistration struct {
	session  *memorySession
	path     string
	handlers UpdateSourceHandlers
	closed   bool // guarded by broker.mu
}

func (r *memoryRegistration) Close() error {
	m := r.session.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeRegistrationLocked(r.path, r)
	return nil
}

type memoryUpdater struct {
	reg *memoryRegistration
}

func (u *memoryUpdater) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := u.reg.session.broker
	m.mu.Lock()

	switch u.reg.session.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrSessionClosed
	case StateRecovering:
		m.mu.Unlock()
		return ErrSessionRecovering
	}
	regs := m.sources[u.reg.path]
	if u.reg.closed || len(regs) == 0 || regs[0] != u.reg {
		m.mu.Unlock()
		return ErrNotActive
	}
	if path != u.reg.path && !strings.HasPrefix(path, u.reg.path+"/") {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is outside %s", ErrNotActive, path, u.reg.path)
	}
	t, ok := m.topics[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTopicNotFound, path)
	}
	if !validValue(t.spec.Type, value) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidValue, t.spec.Type)
	}

	t.value = append([]byte(nil), value...)
	t.updates++
	t.updatedAt = time.Now()
	update := t.snapshot(path)
	m.mu.Unlock()

	m.notifySubscribers(update)
	return nil
}

func validValue(typ TopicType, value []byte) bool {
	switch typ {
	case TopicTypeJSON:
		return json.Valid(value)
	case TopicTypeString:
		return utf8.Valid(value)
	default:
		return true
	}
}

func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidTopicPath, path)
	}
	return nil
}

func parseRemoval(policy string) (*removalPolicy, error) {
	if policy == "" {
		return nil, nil
	}
	match := removalPattern.FindStringSubmatch(policy)
	if match == nil {
		return nil, fmt.Errorf("%w: unsupported removal policy %q", ErrInvalidTopicSpecification, policy)
	}
	grace, err := time.ParseDuration(match[2])
	if err != nil || grace < 0 {
		return nil, fmt.Errorf("%w: invalid removal grace %q", ErrInvalidTopicSpecification, match[2])
	}
	return &removalPolicy{principal: match[1], grace: grace}, nil
}

func copySpec(spec TopicSpec) TopicSpec {
	props := make(map[string]string, len(spec.Properties))
	for k, v := range spec.Properties {
		props[k] = v
	}
	return TopicSpec{Type: spec.Type, Properties: props}
}

// notifier runs queued callbacks in order on its own goroutine.
type notifier struct {
	mu    sync.Mutex
	queue []func()
	done  bool
	wake  chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{wake: make(chan struct{}, 1)}
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	if n.done {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	n.signal()
}

// stop lets queued callbacks drain and then ends the goroutine.
func (n *notifier) stop() {
	n.mu.Lock()
	n.done = true
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				done := n.done
				n.mu.Unlock()
				if done {
					return
				}
				break
			}
			fn := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()
			fn()
		}
	}
}

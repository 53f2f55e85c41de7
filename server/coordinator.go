package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GreeFine/ferrixcel/grid"
	"github.com/GreeFine/ferrixcel/store"
)

// Coordinator 协议状态机：校验动作、修改锁表/会话表、调用存储、驱动广播。
// 进程启动时创建一次，按引用传给每个连接。
type Coordinator struct {
	// mu 串行化所有改变锁视图的转换（接入回放、选择、断开），
	// 相关广播也在锁内入队，保证接收者看到的锁变化顺序一致。
	// 存储调用不在锁内进行。
	mu sync.Mutex

	registry *Registry
	locks    *LockTable
	bus      *Bus
	store    store.Store
	metrics  *Metrics
	log      *zap.SugaredLogger

	uniqueUsernames bool
	storeTimeout    time.Duration
	now             func() time.Time
}

// Option 配置 Coordinator
type Option func(*Coordinator)

// WithLogger 设置日志
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithUniqueUsernames 是否拒绝重复用户名
func WithUniqueUsernames(unique bool) Option {
	return func(c *Coordinator) { c.uniqueUsernames = unique }
}

// WithStoreTimeout 单次 upsert 的超时
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.storeTimeout = d }
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:        NewRegistry(),
		locks:           NewLockTable(),
		store:           st,
		metrics:         &Metrics{},
		log:             zap.NewNop().Sugar(),
		uniqueUsernames: true,
		storeTimeout:    5 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bus = NewBus(c.registry, c.metrics, c.log)
	return c
}

func (c *Coordinator) Registry() *Registry { return c.registry }
func (c *Coordinator) Locks() *LockTable   { return c.locks }
func (c *Coordinator) Metrics() *Metrics   { return c.metrics }
func (c *Coordinator) Store() store.Store  { return c.store }

// Connect 注册会话并把当前锁状态（按用户分组的 Select）只回放给该会话，
// 完成后会话进入 Active
func (c *Coordinator) Connect(out Deliverer, username, addr string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.registry.Register(out, username, addr, c.uniqueUsernames)
	if err != nil {
		inc(&c.metrics.SessionsRejected)
		c.log.Infof("Disconnecting new connection, username already taken %s [%s]", username, addr)
		return nil, err
	}
	c.metrics.sessionOpened()
	c.log.Infof("User connection: [%s] -> %s (%s)", addr, username, s.ID)

	// 回放条数等于持锁用户数，可能超过发送队列容量
	preloader, canPreload := out.(Preloader)
	for _, sel := range c.locks.ByOwner() {
		msg := grid.NewSelectBroadcast(sel.Username, sel.Positions).Encode()
		if canPreload {
			if err := preloader.Preload(msg); err != nil {
				inc(&c.metrics.DeliveriesDropped)
			}
			continue
		}
		c.bus.PublishTo(s.ID, msg)
	}
	s.activate()
	return s, nil
}

// Handle 处理一条入站消息；同一会话的消息由调用方顺序传入
func (c *Coordinator) Handle(ctx context.Context, s *Session, data []byte) {
	if s.State() != StateActive {
		return
	}
	inc(&c.metrics.ActionsTotal)

	action, err := grid.DecodeAction(data)
	switch {
	case errors.Is(err, grid.ErrUnexpectedAction):
		inc(&c.metrics.UnexpectedActions)
		c.bus.Reply(s.ID, grid.ErrCodeServerError, grid.ErrTextUnexpected)
		return
	case err != nil:
		inc(&c.metrics.ParseErrors)
		c.log.Debugf("parse error from %s: %v", s.Username, err)
		c.bus.Reply(s.ID, grid.ErrCodeBadRequest, grid.ErrTextParse)
		return
	}

	switch a := action.(type) {
	case grid.AcquireSelection:
		c.selectPositions(s, a)
	case grid.SetCell:
		c.setCell(ctx, s, a)
	default:
		inc(&c.metrics.UnexpectedActions)
		c.bus.Reply(s.ID, grid.ErrCodeServerError, grid.ErrTextUnexpected)
	}
}

func (c *Coordinator) selectPositions(s *Session, a grid.AcquireSelection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	released, err := c.locks.Acquire(a.Positions, s.Username)
	if err != nil {
		inc(&c.metrics.SelectConflicts)
		c.log.Debugf("select conflict for %s: %v", s.Username, err)
		c.bus.Reply(s.ID, grid.ErrCodeBadRequest, grid.ErrTextLocked)
		return
	}
	inc(&c.metrics.SelectsOK)
	if len(released) > 0 {
		c.bus.Publish(grid.NewDeselectBroadcast(s.Username, released), "")
	}
	if len(a.Positions) > 0 {
		c.bus.Publish(grid.NewSelectBroadcast(s.Username, a.Positions), "")
	}
}

func (c *Coordinator) setCell(ctx context.Context, s *Session, a grid.SetCell) {
	if owner, ok := c.locks.OwnerOf(a.Position); !ok || owner != s.Username {
		inc(&c.metrics.EditsUnauthorized)
		c.bus.Reply(s.ID, grid.ErrCodeBadRequest, grid.ErrTextNotLocked)
		return
	}

	cell := grid.NewCell(a.Position, a.Value, s.Username, c.now())
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	if err := c.store.Upsert(ctx, cell); err != nil {
		inc(&c.metrics.PersistFailures)
		c.log.Errorf("persist %s by %s: %v", a.Position, s.Username, err)
		c.bus.Reply(s.ID, grid.ErrCodeServerError, grid.ErrTextPersist)
		return
	}
	inc(&c.metrics.EditsOK)
	c.bus.Publish(grid.NewCellBroadcast(s.Username, cell), "")
}

// Disconnect 断开清理，对同一会话只执行一次：注销会话、释放锁并广播 Deselect。
// 同名会话仍在线时（未启用唯一用户名）锁保留给它们。
func (c *Coordinator) Disconnect(s *Session) {
	if s == nil || !s.close() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.registry.Unregister(s.ID) {
		return
	}
	c.metrics.sessionClosed()
	c.log.Infof("User disconnecting: [%s] -> %s (%s)", s.Addr, s.Username, s.ID)

	if c.registry.Online(s.Username) > 0 {
		return
	}
	if released := c.locks.ReleaseAll(s.Username); len(released) > 0 {
		c.bus.Publish(grid.NewDeselectBroadcast(s.Username, released), s.ID)
	}
}

// Shutdown 关闭所有仍在线会话的传输（投递句柄实现 io.Closer 时）
func (c *Coordinator) Shutdown() {
	for _, s := range c.registry.Snapshot() {
		if closer, ok := s.out.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}

package agentfs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/valyala/fastjson"
)

type HookOp string

const (
	HookOpWrite    HookOp = "write"
	HookOpTruncate HookOp = "truncate"
	HookOpCreate   HookOp = "create"
	HookOpMkdir    HookOp = "mkdir"
	HookOpSymlink  HookOp = "symlink"
	HookOpMknod    HookOp = "mknod"
	HookOpLink     HookOp = "link"
	HookOpUnlink   HookOp = "unlink"
	HookOpRmdir    HookOp = "rmdir"
	HookOpRename   HookOp = "rename"
)

func hookOpForMode(mode uint32) HookOp {
	switch mode & S_IFMT {
	case S_IFDIR:
		return HookOpMkdir
	case S_IFLNK:
		return HookOpSymlink
	case S_IFREG:
		return HookOpCreate
	default:
		return HookOpMknod
	}
}

// HookEvent describes one mutating operation to hook consumers.
type HookEvent struct {
	Op       HookOp `json:"op"`
	Ino      uint64 `json:"ino,omitempty"`
	Parent   uint64 `json:"parent,omitempty"`
	Name     string `json:"name,omitempty"`
	ToParent uint64 `json:"to_parent,omitempty"`
	ToName   string `json:"to_name,omitempty"`
	Offset   uint64 `json:"offset,omitempty"`
	Size     uint64 `json:"size,omitempty"`
}

type HookDecision int

const (
	HookAllow HookDecision = iota
	HookDeny
	HookAllowWithMessage
	HookTransform
)

// SyncHook is consulted before a write is applied. Deny and
// AllowWithMessage both reject the operation, Transform is accepted but
// currently behaves like Allow.
type SyncHook interface {
	Name() string
	PreWrite(ctx context.Context, ev *HookEvent) (HookDecision, string, error)
}

// AsyncHook runs after a write is durable. Its outcome never affects the
// completed operation.
type AsyncHook interface {
	Name() string
	PostWrite(ev HookEvent)
}

type syncEntry struct {
	hook     SyncHook
	priority int
	seq      int
}

type asyncEntry struct {
	hook AsyncHook
	seq  int
}

// HookRegistry holds an ordered set of hooks. Sync hooks run in priority
// order (lowest first), async hooks run on a background dispatcher so a
// slow consumer never stalls a write.
type HookRegistry struct {
	logger *slog.Logger

	mu     sync.Mutex
	seq    int
	sync   []syncEntry
	async  []asyncEntry
	events chan HookEvent
	done   chan struct{}
	once   sync.Once
}

func NewHookRegistry(logger *slog.Logger) *HookRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &HookRegistry{
		logger: logger,
		events: make(chan HookEvent, 256),
		done:   make(chan struct{}),
	}
	go r.dispatch()
	return r
}

func (r *HookRegistry) RegisterSync(hook SyncHook, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq += 1
	r.sync = append(r.sync, syncEntry{hook: hook, priority: priority, seq: r.seq})
	sort.SliceStable(r.sync, func(i, j int) bool {
		if r.sync[i].priority != r.sync[j].priority {
			return r.sync[i].priority < r.sync[j].priority
		}
		return r.sync[i].seq < r.sync[j].seq
	})
}

func (r *HookRegistry) RegisterAsync(hook AsyncHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq += 1
	r.async = append(r.async, asyncEntry{hook: hook, seq: r.seq})
}

func (r *HookRegistry) checkSync(ctx context.Context, ev *HookEvent) error {
	r.mu.Lock()
	hooks := make([]syncEntry, len(r.sync))
	copy(hooks, r.sync)
	r.mu.Unlock()

	for _, entry := range hooks {
		decision, msg, err := entry.hook.PreWrite(ctx, ev)
		if err != nil {
			r.logger.Warn("sync hook failed", "hook", entry.hook.Name(), "op", ev.Op, "err", err)
			return fmtErr(ErrPermission, "hook %s: %v", entry.hook.Name(), err)
		}
		switch decision {
		case HookAllow, HookTransform:
		case HookDeny, HookAllowWithMessage:
			if msg == "" {
				msg = "rejected"
			}
			return fmtErr(ErrPermission, "hook %s: %s", entry.hook.Name(), msg)
		default:
			return fmtErr(ErrPermission, "hook %s: unknown decision %d", entry.hook.Name(), decision)
		}
	}
	return nil
}

func (r *HookRegistry) notifyAsync(ev HookEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	default:
		// Queue full, post-write notifications are best effort.
		r.logger.Warn("async hook queue full, dropping event", "op", ev.Op)
	}
}

func (r *HookRegistry) dispatch() {
	for {
		select {
		case ev := <-r.events:
			r.mu.Lock()
			hooks := make([]asyncEntry, len(r.async))
			copy(hooks, r.async)
			r.mu.Unlock()
			for _, entry := range hooks {
				entry.hook.PostWrite(ev)
			}
		case <-r.done:
			return
		}
	}
}

func (r *HookRegistry) Close() {
	r.once.Do(func() { close(r.done) })
}

// CommandHook spawns a subprocess per event, writes the event as JSON on
// stdin and reads a single JSON reply:
//
//	{"decision": "allow" | "deny" | "allow_with_message" | "transform", "message": "..."}
//
// A reply that cannot be parsed counts as a denial for sync use. As an
// async hook the reply is ignored.
type CommandHook struct {
	HookName string
	Command  []string
	Timeout  time.Duration
	Logger   *slog.Logger

	parserPool fastjson.ParserPool
}

func (h *CommandHook) Name() string { return h.HookName }

func (h *CommandHook) run(ctx context.Context, ev *HookEvent) ([]byte, error) {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	return cmd.Output()
}

func (h *CommandHook) PreWrite(ctx context.Context, ev *HookEvent) (HookDecision, string, error) {
	out, err := h.run(ctx, ev)
	if err != nil {
		return HookDeny, "", err
	}
	parser := h.parserPool.Get()
	defer h.parserPool.Put(parser)
	v, err := parser.ParseBytes(out)
	if err != nil {
		return HookDeny, "", fmtErr(ErrInvalid, "hook reply: %v", err)
	}
	msg := string(v.GetStringBytes("message"))
	switch string(v.GetStringBytes("decision")) {
	case "allow":
		return HookAllow, msg, nil
	case "deny":
		return HookDeny, msg, nil
	case "allow_with_message":
		return HookAllowWithMessage, msg, nil
	case "transform":
		return HookTransform, msg, nil
	default:
		return HookDeny, msg, fmtErr(ErrInvalid, "hook reply has no decision")
	}
}

func (h *CommandHook) PostWrite(ev HookEvent) {
	_, err := h.run(context.Background(), &ev)
	if err != nil && h.Logger != nil {
		h.Logger.Warn("async command hook failed", "hook", h.HookName, "op", ev.Op, "err", err)
	}
}

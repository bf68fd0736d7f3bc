package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	rtsup "lmsbot/internal/runtime/supervisor"
	kit "lmsbot/internal/transport"
	logx "lmsbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// PrivateOnly commands refuse to run in group chats.
	PrivateOnly bool
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	out kit.Sender
}

// Reply sends HTML text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, html string) error {
	_, err := r.out.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true})
	return err
}

const defaultTimeout = 60 * time.Second

// Router parses incoming messages and runs commands on a bounded worker pool.
type Router struct {
	mu     sync.RWMutex
	cmds   []Command
	index  map[string]int
	owners []int64

	log    logx.Logger
	out    kit.Sender
	limits *userLimiter

	jobs chan func()
}

// A user may burst commandBurst commands, then one per commandEvery.
const (
	commandEvery = 3 * time.Second
	commandBurst = 5
)

func NewRouter(log logx.Logger, out kit.Sender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		index:  map[string]int{},
		owners: slices.Clone(owners),
		log:    log,
		out:    out,
		limits: newUserLimiter(commandEvery, commandBurst),
		jobs:   make(chan func(), 256),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

// SetCommands replaces the registry. /help is always added.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show this help",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(r.isOwner(req.FromID)))
		},
	})

	index := map[string]int{}
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
		i := len(kept) - 1
		index[name] = i
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if _, exists := index[a]; a != "" && !exists {
				index[a] = i
			}
		}
	}

	r.mu.Lock()
	r.cmds = kept
	r.index = index
	r.mu.Unlock()
}

// MenuCommands lists the public commands for the Telegram menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	public := lo.Filter(r.cmds, func(c Command, _ int) bool { return c.Access == AccessEveryone })
	return lo.Map(public, func(c Command, _ int) kit.BotCommand {
		return kit.BotCommand{Command: c.Name, Description: c.Description}
	})
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Run dispatches updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, runtime.NumCPU())
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.prepare(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				if msg := up.Message; msg != nil {
					_, _ = r.out.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "Busy, try again in a moment.", nil)
				}
			}
		}
	}
}

// prepare turns an update into a runnable job, or nil when the update is
// not a command.
func (r *Router) prepare(ctx context.Context, up kit.Update) func() {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil
	}
	msg := up.Message
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return nil
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return nil
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	r.mu.RLock()
	i, found := r.index[word]
	var cmd Command
	if found {
		cmd = r.cmds[i]
	}
	r.mu.RUnlock()

	reply := func(text string) func() {
		return func() {
			_, _ = r.out.SendText(ctx, chat, text, &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true})
		}
	}
	switch {
	case !found:
		return reply("Unknown command. Try /help")
	case cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID):
		return reply("Unauthorized.")
	case cmd.PrivateOnly && !msg.IsPrivate:
		return reply("Send this command in a private chat with the bot.")
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		out: r.out,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWUserRateLimit(r.limits),
		MWTimeout(timeout),
	)
	return func() { _ = final(ctx, req) }
}

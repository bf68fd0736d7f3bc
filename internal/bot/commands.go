package bot

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"lmsbot/internal/delivery"
	"lmsbot/internal/lms"
	"lmsbot/internal/notification"
	"lmsbot/internal/runtime/supervisor"
	"lmsbot/internal/storage"
	"lmsbot/internal/tracking"
	rt "lmsbot/pkg/richtext"
)

// maxListed bounds how many notifications /all sends in one go.
const maxListed = 20

type Users interface {
	RegisterUser(ctx context.Context, email, secret string, userID int64) (storage.User, error)
	LookupUser(ctx context.Context, userID int64) (storage.User, error)
	ListByState(ctx context.Context, st storage.State) ([]storage.User, error)
	CountDelivered(ctx context.Context, userID int64) (int, error)
}

type Tracking interface {
	Enable(ctx context.Context, userID int64) error
	Disable(ctx context.Context, userID int64) error
	RunNow(ctx context.Context, userID int64) (int, error)
	Session(ctx context.Context, userID int64) (tracking.Session, error)
	Forget(userID int64)
	Status(userID int64) tracking.Status
}

type Previewer interface {
	Preview(ctx context.Context, src delivery.Source) ([]notification.Formatted, error)
}

// Health reports the app's supervised goroutines. Optional.
type Health interface {
	Tasks() []supervisor.TaskStatus
}

type Services struct {
	Users    Users
	Tracking Tracking
	Preview  Previewer
	Health   Health
}

// Commands builds the user-facing command set.
func Commands(s Services) []Command {
	h := &handlers{Services: s}
	return []Command{
		{Name: "start", Description: "introduction", Handle: h.start},
		{
			Name:        "register",
			Description: "save your LMS login",
			Usage:       "/register <email> <password>",
			PrivateOnly: true,
			Handle:      h.register,
		},
		{Name: "track", Description: "start automatic notifications", Handle: h.track},
		{Name: "untrack", Aliases: []string{"stop"}, Description: "stop automatic notifications", Handle: h.untrack},
		{Name: "check", Description: "check for new notifications now", Timeout: 3 * time.Minute, Handle: h.check},
		{Name: "all", Description: "show all unread notifications", PrivateOnly: true, Handle: h.all},
		{Name: "last", Description: "show the latest unread notification", PrivateOnly: true, Handle: h.last},
		{Name: "read", Description: "mark all notifications as read", Handle: h.read},
		{Name: "status", Description: "show your tracking status", PrivateOnly: true, Handle: h.status},
		{Name: "stats", Description: "tracked users overview", Access: AccessOwnerOnly, Handle: h.stats},
	}
}

type handlers struct {
	Services
}

func (h *handlers) start(ctx context.Context, req *Request) error {
	return req.Reply(ctx, rt.Join("\n\n",
		rt.B("Hi! I forward your Yandex Lyceum notifications to Telegram."),
		rt.Lines(
			rt.Join(" ", "1.", rt.Code("/register <email> <password>"), rt.Esc("in this private chat")),
			rt.Join(" ", "2.", rt.Code("/track"), rt.Esc("to receive new notifications automatically")),
		),
		rt.Join(" ", rt.Esc("See"), rt.Code("/help"), rt.Esc("for everything else.")),
	).String())
}

func (h *handlers) register(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return req.Reply(ctx, "Usage: "+rt.Code("/register <email> <password>").String())
	}
	email, password := strings.TrimSpace(req.Args[0]), req.Args[1]
	if _, err := mail.ParseAddress(email); err != nil || password == "" {
		return req.Reply(ctx, "That does not look like an email and password.")
	}
	_, err := h.Users.RegisterUser(ctx, email, password, req.FromID)
	switch {
	case errors.Is(err, storage.ErrDuplicateUser):
		return req.Reply(ctx, "You are already registered, or this email is used by another account.")
	case err != nil:
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	return req.Reply(ctx, "Registered. Send /track to start receiving notifications.")
}

func (h *handlers) track(ctx context.Context, req *Request) error {
	if err := h.Tracking.Enable(ctx, req.FromID); err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	return req.Reply(ctx, "Tracking enabled. New notifications will arrive here.")
}

func (h *handlers) untrack(ctx context.Context, req *Request) error {
	if err := h.Tracking.Disable(ctx, req.FromID); err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	return req.Reply(ctx, "Tracking disabled. Send /track to resume.")
}

func (h *handlers) check(ctx context.Context, req *Request) error {
	n, err := h.Tracking.RunNow(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	if n == 0 {
		return req.Reply(ctx, "Nothing new.")
	}
	return req.Reply(ctx, fmt.Sprintf("Delivered %d new notification(s).", n))
}

func (h *handlers) all(ctx context.Context, req *Request) error {
	items, err := h.unread(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	if len(items) == 0 {
		return req.Reply(ctx, "No unread notifications.")
	}
	shown := items
	if len(shown) > maxListed {
		shown = shown[:maxListed]
	}
	for _, f := range shown {
		if err := req.Reply(ctx, f.Text); err != nil {
			return err
		}
	}
	if rest := len(items) - len(shown); rest > 0 {
		return req.Reply(ctx, fmt.Sprintf("...and %d more on the LMS.", rest))
	}
	return nil
}

func (h *handlers) last(ctx context.Context, req *Request) error {
	items, err := h.unread(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	if len(items) == 0 {
		return req.Reply(ctx, "No unread notifications.")
	}
	return req.Reply(ctx, items[len(items)-1].Text)
}

func (h *handlers) read(ctx context.Context, req *Request) error {
	err := h.withSession(ctx, req.FromID, func(sess tracking.Session) error {
		return sess.MarkRead(ctx)
	})
	if err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	return req.Reply(ctx, "All notifications marked as read.")
}

func (h *handlers) status(ctx context.Context, req *Request) error {
	u, err := h.Users.LookupUser(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	delivered, err := h.Users.CountDelivered(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, failureText(err))
		return err
	}
	st := h.Tracking.Status(req.FromID)

	lines := []rt.H{
		rt.B("Status"),
		rt.Join(" ", "Account:", rt.Code(u.Email)),
		rt.Join(" ", "State:", rt.Esc(string(u.State))),
		rt.Esc(fmt.Sprintf("Delivered so far: %d", delivered)),
	}
	if !st.LastRun.IsZero() {
		lines = append(lines, rt.Esc(fmt.Sprintf("Last check: %s (%d sent)", st.LastRun.Format(time.DateTime), st.LastSent)))
	}
	if st.LastErr != nil {
		lines = append(lines, rt.Join(" ", "Last error:", rt.Code(st.LastErr.Error())))
	}
	if st.Scheduled && !st.Next.IsZero() {
		lines = append(lines, rt.Esc("Next check: "+st.Next.Format(time.DateTime)))
	}
	return req.Reply(ctx, rt.Lines(lines...).String())
}

func (h *handlers) stats(ctx context.Context, req *Request) error {
	var lines []rt.H
	for _, st := range []storage.State{storage.StateRegistered, storage.StateTracking, storage.StateIdle} {
		users, err := h.Users.ListByState(ctx, st)
		if err != nil {
			_ = req.Reply(ctx, failureText(err))
			return err
		}
		lines = append(lines, rt.Esc(fmt.Sprintf("%s: %d", st, len(users))))
	}
	parts := []rt.H{rt.Join("\n", rt.B("Users"), rt.Lines(lines...))}
	if h.Health != nil {
		if tasks := h.Health.Tasks(); len(tasks) > 0 {
			parts = append(parts, rt.Join("\n", rt.B("Workers"), rt.Lines(taskLines(tasks)...)))
		}
	}
	return req.Reply(ctx, rt.Join("\n\n", parts...).String())
}

func taskLines(tasks []supervisor.TaskStatus) []rt.H {
	out := make([]rt.H, 0, len(tasks))
	for _, t := range tasks {
		state := "stopped"
		if t.Running {
			state = "running"
		}
		line := fmt.Sprintf("%s: %s", t.Name, state)
		if t.Restarts > 0 {
			line += fmt.Sprintf(", %d restart(s)", t.Restarts)
		}
		if t.LastErr != "" && (t.Restarts > 0 || !t.Running) {
			line += ", last error: " + t.LastErr
		}
		out = append(out, rt.Esc(line))
	}
	return out
}

func (h *handlers) unread(ctx context.Context, userID int64) ([]notification.Formatted, error) {
	var items []notification.Formatted
	err := h.withSession(ctx, userID, func(sess tracking.Session) error {
		var err error
		items, err = h.Preview.Preview(ctx, sess)
		return err
	})
	return items, err
}

// withSession runs fn with the user's LMS session and retries once with a
// fresh login when the cached session has expired.
func (h *handlers) withSession(ctx context.Context, userID int64, fn func(tracking.Session) error) error {
	for attempt := 0; ; attempt++ {
		sess, err := h.Tracking.Session(ctx, userID)
		if err != nil {
			return err
		}
		err = fn(sess)
		if attempt == 0 && errors.Is(err, lms.ErrSessionExpired) {
			h.Tracking.Forget(userID)
			continue
		}
		return err
	}
}

// failureText maps an error to a short message for the user. Internal
// details stay in the logs.
func failureText(err error) string {
	var ae *lms.AuthError
	var te *lms.TransportError
	switch {
	case errors.Is(err, tracking.ErrNotRegistered), errors.Is(err, storage.ErrNotFound):
		return "You are not registered yet. Use " + rt.Code("/register <email> <password>").String()
	case errors.Is(err, tracking.ErrNotTracking):
		return "Tracking is off. Send /track first."
	case errors.Is(err, tracking.ErrBusy):
		return "A check is already running, try again shortly."
	case errors.As(err, &ae):
		return "The LMS rejected your login. Check your email and password."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, try again later."
	case errors.As(err, &te):
		return "The LMS is not reachable right now, try again later."
	default:
		return "Something went wrong, try again later."
	}
}

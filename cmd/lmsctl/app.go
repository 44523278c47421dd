package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"

	"github.com/campusflow/lms-client/api"
	"github.com/campusflow/lms-client/attendance"
	"github.com/campusflow/lms-client/auth"
	"github.com/campusflow/lms-client/auth/state"
	"github.com/campusflow/lms-client/lib/logger"
)

// App holds the wired clients of a single lmsctl run.
type App struct {
	conf   Config
	out    io.Writer
	store  state.Store
	client *api.Client
	auth   *auth.Service
	nav    attendance.Navigator

	closeStore func() error
}

// NewApp opens the session store and creates the API clients.
func NewApp(conf Config, out io.Writer) (*App, error) {
	store, closeStore, err := openStore(conf.Storage)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	app := &App{
		conf:       conf,
		out:        out,
		store:      store,
		nav:        &browserNavigator{out: out},
		closeStore: closeStore,
	}

	app.client, err = api.New(api.Config{
		BaseURL:       conf.Backend.URL,
		Timeout:       conf.Backend.RequestTimeout,
		Store:         store,
		OnAuthExpired: app.onAuthExpired,
	})
	if err != nil {
		app.Close()
		return nil, trace.Wrap(err)
	}
	app.auth, err = auth.NewService(auth.Config{Client: app.client})
	if err != nil {
		app.Close()
		return nil, trace.Wrap(err)
	}
	return app, nil
}

func openStore(conf StorageConfig) (state.Store, func() error, error) {
	noop := func() error { return nil }
	if conf.Type != storageMemory {
		if err := os.MkdirAll(filepath.Dir(conf.Path), 0o700); err != nil {
			return nil, nil, trace.ConvertSystemError(err)
		}
	}
	switch conf.Type {
	case storageDisk:
		store, err := state.NewDiskStore(conf.Path)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return store, noop, nil
	case storageBolt:
		store, err := state.OpenBoltStore(conf.Path)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return store, store.Close, nil
	case storageFile:
		store, err := state.NewFileStore(conf.Path)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return store, noop, nil
	case storageMemory:
		return state.NewMemoryStore(), noop, nil
	}
	return nil, nil, trace.BadParameter("unknown storage type %q", conf.Type)
}

// Close releases the session store.
func (a *App) Close() error {
	return trace.Wrap(a.closeStore())
}

func (a *App) onAuthExpired(err error) {
	logger.Standard().WithError(err).Debug("Session expired")
	fmt.Fprintln(a.out, "Your session has expired. Please log in again with `lmsctl login`.")
}

func (a *App) Login(ctx context.Context, email, password string) error {
	if password == "" {
		var err error
		if password, err = promptPassword("Password"); err != nil {
			return trace.Wrap(err)
		}
	}
	user, err := a.auth.Login(ctx, auth.LoginInput{Email: email, Password: password})
	if err != nil {
		return trace.Wrap(err)
	}
	a.printWelcome(user)
	return nil
}

func (a *App) Register(ctx context.Context, in auth.RegisterInput) error {
	if in.Password == "" {
		var err error
		if in.Password, err = promptPassword("Password"); err != nil {
			return trace.Wrap(err)
		}
	}
	user, err := a.auth.Register(ctx, in)
	if err != nil {
		return trace.Wrap(err)
	}
	a.printWelcome(user)
	return nil
}

func (a *App) printWelcome(user *auth.User) {
	if user == nil {
		fmt.Fprintln(a.out, "Logged in.")
		return
	}
	fmt.Fprintf(a.out, "Logged in as %v (%v).\n", user.Name, user.Role)
}

func (a *App) Logout(ctx context.Context) error {
	if err := a.auth.Logout(ctx); err != nil {
		logger.Get(ctx).WithError(err).Warn("Server logout failed, the local session was removed anyway")
	}
	fmt.Fprintln(a.out, "Logged out.")
	return nil
}

func (a *App) Profile(ctx context.Context) error {
	user, err := a.auth.Profile(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	renderTable(a.out, []string{"ID", "Name", "Email", "Role"}, [][]string{
		{user.ID, user.Name, user.Email, string(user.Role)},
	})
	return nil
}

func (a *App) Status(ctx context.Context) error {
	status, err := a.auth.Status(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	renderTable(a.out, []string{"Property", "Value"}, statusRows(status))
	return nil
}

func statusRows(status *auth.Status) [][]string {
	if !status.SignedIn {
		return [][]string{{"Signed in", "no"}}
	}
	rows := [][]string{
		{"Signed in", "yes"},
		{"Refresh token", yesNo(status.HasRefreshToken)},
	}
	if status.User != nil {
		rows = append(rows, []string{"User", fmt.Sprintf("%v <%v>", status.User.Name, status.User.Email)})
		rows = append(rows, []string{"Role", string(status.User.Role)})
	}
	if status.Subject != "" {
		rows = append(rows, []string{"Subject", status.Subject})
	}
	expires := "unknown"
	if !status.ExpiresAt.IsZero() {
		expires = status.ExpiresAt.Local().Format("2006-01-02 15:04:05")
		if status.Expired {
			expires += " (expired, refreshed on next call)"
		}
	}
	rows = append(rows, []string{"Access token expires", expires})
	return rows
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.SetAutoFormatHeaders(false)
	table.AppendBulk(rows)
	table.Render()
}

// CaptureOptions configures an attend or start-lecture run.
type CaptureOptions struct {
	Session     attendance.Session
	CameraImage string
	// Retry asks whether to capture again after a failed attempt.
	Retry bool
	// OpenLink opens the returned meeting link.
	OpenLink bool
}

func (a *App) Capture(ctx context.Context, opts CaptureOptions) error {
	image := opts.CameraImage
	if image == "" {
		image = a.conf.Attendance.CameraImage
	}
	modal, err := attendance.NewModal(attendance.ModalConfig{
		Client:          a.client,
		Camera:          attendance.FileCamera{Path: image},
		AttemptLimit:    a.conf.Attendance.AttemptLimit,
		AttemptInterval: a.conf.Attendance.Interval,
		JPEGQuality:     a.conf.Attendance.JPEGQuality,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer modal.Close(ctx)

	session := opts.Session
	session.OnSuccess = func(result attendance.Result) {
		fmt.Fprintln(a.out, result.Message)
	}
	if err := modal.Open(ctx, session); err != nil {
		return trace.Wrap(err)
	}

	for {
		result, err := modal.Capture(ctx)
		if err == nil {
			if opts.OpenLink {
				return trace.Wrap(attendance.OpenMeetingLink(ctx, a.nav, result.MeetingLink))
			}
			if result.MeetingLink != "" {
				fmt.Fprintf(a.out, "Meeting link: %v\n", result.MeetingLink)
			}
			return nil
		}
		if modal.State() != attendance.Armed {
			return trace.Wrap(err)
		}

		fmt.Fprintln(a.out, modal.Message())
		if !retryable(err) || !opts.Retry || !confirm("Try again") {
			return trace.Wrap(err)
		}
	}
}

func retryable(err error) bool {
	return attendance.IsKind(err, attendance.VerificationRejected) ||
		attendance.IsKind(err, attendance.TransportFailure) ||
		attendance.IsKind(err, attendance.CameraNotReady)
}

func promptPassword(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return trace.BadParameter("password must not be empty")
			}
			return nil
		},
	}
	password, err := prompt.Run()
	return password, trace.Wrap(err)
}

// confirm displays Y/N prompt
func confirm(message string) bool {
	prompt := promptui.Prompt{
		Label:     message,
		IsConfirm: true,
	}
	result, err := prompt.Run()
	if err != nil {
		return false
	}
	return strings.EqualFold(result, "y")
}

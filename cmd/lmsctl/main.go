/*
Copyright 2026 CampusFlow, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/campusflow/lms-client/attendance"
	"github.com/campusflow/lms-client/auth"
	"github.com/campusflow/lms-client/lib"
	"github.com/campusflow/lms-client/lib/logger"
)

var (
	Version = "0.1.0"
	Gitref  = ""
)

func main() {
	logger.Init()
	app := kingpin.New("lmsctl", "Command-line client for the LMS: sessions and face-verified attendance.")

	path := app.Flag("config", "TOML config file path, defaults to ~/.lmsctl/lmsctl.toml").
		Short('c').
		String()
	debug := app.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()

	app.Command("configure", "Prints an example .TOML configuration file.")
	app.Command("version", "Prints lmsctl version and exits.")

	loginCmd := app.Command("login", "Logs in with email and password.")
	loginEmail := loginCmd.Flag("email", "Account email").Short('e').Required().String()
	loginPassword := loginCmd.Flag("password", "Account password, prompted when omitted").Envar("LMS_PASSWORD").String()

	registerCmd := app.Command("register", "Creates an account and logs in.")
	registerName := registerCmd.Flag("name", "Full name").Required().String()
	registerEmail := registerCmd.Flag("email", "Account email").Short('e').Required().String()
	registerPassword := registerCmd.Flag("password", "Account password, prompted when omitted").Envar("LMS_PASSWORD").String()
	registerRole := registerCmd.Flag("role", "Account role").
		Default(string(auth.RoleStudent)).
		Enum(string(auth.RoleStudent), string(auth.RoleTeacher), string(auth.RoleAdmin))

	app.Command("logout", "Logs out and removes the stored session.")
	app.Command("profile", "Shows the profile of the logged in user.")
	app.Command("status", "Shows the stored session without contacting the server.")

	attendCmd := app.Command("attend", "Marks attendance with face verification.")
	attendOpts := captureFlags(attendCmd)

	lectureCmd := app.Command("start-lecture", "Starts a lecture with face verification.")
	lectureOpts := captureFlags(lectureCmd)

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		lib.Bail(err)
	}

	switch selectedCmd {
	case "configure":
		fmt.Print(exampleConfig)
		return
	case "version":
		lib.PrintVersion(os.Stdout, app.Name, Version, Gitref)
		return
	}

	err = run(*path, *debug, func(ctx context.Context, a *App) error {
		switch selectedCmd {
		case "login":
			return a.Login(ctx, *loginEmail, *loginPassword)
		case "register":
			return a.Register(ctx, auth.RegisterInput{
				Name:     *registerName,
				Email:    *registerEmail,
				Password: *registerPassword,
				Role:     auth.Role(*registerRole),
			})
		case "logout":
			return a.Logout(ctx)
		case "profile":
			return a.Profile(ctx)
		case "status":
			return a.Status(ctx)
		case "attend":
			return a.Capture(ctx, attendOpts.options(attendance.MarkAttendance))
		case "start-lecture":
			return a.Capture(ctx, lectureOpts.options(attendance.StartLecture))
		}
		return trace.BadParameter("unknown command %q", selectedCmd)
	})
	if err != nil {
		lib.Bail(err)
	}
}

type captureArgs struct {
	course   *string
	schedule *string
	image    *string
	retry    *bool
	open     *bool
}

func captureFlags(cmd *kingpin.CmdClause) *captureArgs {
	return &captureArgs{
		course:   cmd.Flag("course", "Course ID").Required().String(),
		schedule: cmd.Flag("schedule", "Lecture schedule ID").String(),
		image:    cmd.Flag("image", "Still image used as the camera frame, overrides attendance.camera_image").String(),
		retry:    cmd.Flag("retry", "Ask to capture again after a failed verification").Bool(),
		open:     cmd.Flag("open", "Open the returned meeting link").Default("true").Bool(),
	}
}

func (c *captureArgs) options(endpoint attendance.Endpoint) CaptureOptions {
	return CaptureOptions{
		Session: attendance.Session{
			CourseID:   *c.course,
			ScheduleID: *c.schedule,
			Endpoint:   endpoint,
		},
		CameraImage: *c.image,
		Retry:       *c.retry,
		OpenLink:    *c.open,
	}
}

func run(configPath string, debug bool, fn func(context.Context, *App) error) error {
	conf, err := loadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := logger.Setup(conf.Log); err != nil {
		return trace.Wrap(err)
	}
	if debug {
		log.SetLevel(log.DebugLevel)
		log.Debugf("DEBUG logging enabled")
	}

	app, err := NewApp(*conf, os.Stdout)
	if err != nil {
		return trace.Wrap(err)
	}
	defer app.Close()

	ctx, stop := lib.WithSignals(context.Background())
	defer stop()

	return contextError(fn(ctx, app))
}

// contextError labels errors caused by the command context ending.
func contextError(err error) error {
	switch {
	case lib.IsCanceled(err):
		return trace.Wrap(err, "interrupted")
	case lib.IsDeadline(err):
		return trace.Wrap(err, "timed out")
	}
	return trace.Wrap(err)
}

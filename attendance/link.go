package attendance

import (
	"context"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/campusflow/lms-client/lib/logger"
)

// Navigator opens links on behalf of the user.
type Navigator interface {
	// OpenNewContext opens link without leaving the current view. It fails
	// when the environment blocks it.
	OpenNewContext(link string) error
	// Navigate replaces the current view with link.
	Navigate(link string) error
}

// OpenMeetingLink opens the meeting link returned by a successful
// verification, falling back to direct navigation when a new context
// cannot be opened. An empty link is a no-op.
func OpenMeetingLink(ctx context.Context, nav Navigator, link string) error {
	if link == "" {
		return nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return trace.Wrap(err, "invalid meeting link")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return trace.BadParameter("meeting link must be an http(s) URL, got %q", link)
	}

	err = nav.OpenNewContext(link)
	if err == nil {
		return nil
	}
	logger.Get(ctx).WithError(err).Debug("Opening the meeting link in a new context failed, navigating instead")
	return trace.Wrap(nav.Navigate(link))
}

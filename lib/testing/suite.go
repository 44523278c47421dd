package testing

import (
	"context"
	"path/filepath"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/campusflow/lms-client/lib/logger"
)

// DefaultTimeout bounds a single test case.
const DefaultTimeout = 5 * time.Second

// Suite is a testify suite with a per-test context.
type Suite struct {
	suite.Suite
	ctx context.Context
}

// SetContext sets the context of the running test. The context carries a
// logger tagged with the test name and is cancelled when the test ends.
func (s *Suite) SetContext(timeout time.Duration) context.Context {
	t := s.T()
	t.Helper()

	require.Nil(t, s.ctx, "Context cannot be set twice")

	ctx, _ := logger.WithField(context.Background(), "test", t.Name())
	ctx, cancel := context.WithTimeout(ctx, timeout)
	t.Cleanup(func() {
		cancel()
		s.ctx = nil
	})
	s.ctx = ctx
	return ctx
}

// Ctx returns the context of the running test.
func (s *Suite) Ctx() context.Context {
	t := s.T()
	t.Helper()

	if ctx := s.ctx; ctx != nil {
		return ctx
	}
	return s.SetContext(DefaultTimeout)
}

// TempPath returns a path named name inside a directory removed after the
// test.
func (s *Suite) TempPath(name string) string {
	t := s.T()
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

package ext

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

var (
	DefaultAmbassador = &ambassador{}
	DefaultClock      = &SystemClock{}
)

// Ambassador the ambassador to the outside "world". Wraps methods that modify global state and hence make the code that
// use them very hard to test.
type Ambassador interface {
	Environ() []string
	LookPath(string) (string, error)
	TempFile(string, string) (*os.File, error)
	MkdirTemp(string, string) (string, error)
	ReadFile(string) ([]byte, error)
	RemoveAll(string) error
	// RunCmd runs the command and returns its stdout. On a non-zero exit the
	// returned error is an *exec.ExitError carrying stderr.
	RunCmd(cmd *exec.Cmd) ([]byte, error)
	RemoteImage(name.Reference, ...remote.Option) (v1.Image, error)
	RemoteHead(name.Reference, ...remote.Option) (*v1.Descriptor, error)
	WriteLayout(path string, img v1.Image) error
}

type ambassador struct {
}

func (a *ambassador) Environ() []string {
	return os.Environ()
}

func (a *ambassador) RunCmd(cmd *exec.Cmd) ([]byte, error) {
	return cmd.Output()
}

func (a *ambassador) TempFile(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

func (a *ambassador) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (a *ambassador) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (a *ambassador) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (a *ambassador) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (a *ambassador) RemoteImage(ref name.Reference, options ...remote.Option) (v1.Image, error) {
	return remote.Image(ref, options...)
}

func (a *ambassador) RemoteHead(ref name.Reference, options ...remote.Option) (*v1.Descriptor, error) {
	return remote.Head(ref, options...)
}

// WriteLayout writes img as the single image of a fresh OCI image layout at path.
func (a *ambassador) WriteLayout(path string, img v1.Image) error {
	p, err := layout.Write(path, empty.Index)
	if err != nil {
		return err
	}
	return p.AppendImage(img)
}

// Clock wraps the Now method. Introduced to allow replacing the global state with fixed clocks to facilitate testing.
type Clock interface {
	Now() time.Time
}

type SystemClock struct {
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns the same instant.
type FixedClock struct {
	Time time.Time
}

func (c *FixedClock) Now() time.Time {
	return c.Time
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package ext

import (
	"os"
	"os/exec"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/mock"
)

type MockAmbassador struct {
	mock.Mock
}

func NewMockAmbassador() *MockAmbassador {
	return &MockAmbassador{}
}

func (m *MockAmbassador) Environ() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockAmbassador) LookPath(file string) (string, error) {
	args := m.Called(file)
	return args.String(0), args.Error(1)
}

func (m *MockAmbassador) TempFile(dir, pattern string) (*os.File, error) {
	args := m.Called(dir, pattern)
	return args.Get(0).(*os.File), args.Error(1)
}

func (m *MockAmbassador) MkdirTemp(dir, pattern string) (string, error) {
	args := m.Called(dir, pattern)
	return args.String(0), args.Error(1)
}

func (m *MockAmbassador) ReadFile(name string) ([]byte, error) {
	args := m.Called(name)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAmbassador) RemoveAll(path string) error {
	args := m.Called(path)
	return args.Error(0)
}

func (m *MockAmbassador) RunCmd(cmd *exec.Cmd) ([]byte, error) {
	args := m.Called(cmd)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAmbassador) RemoteImage(ref name.Reference, options ...remote.Option) (v1.Image, error) {
	args := m.Called(ref, options)
	if img, ok := args.Get(0).(v1.Image); ok {
		return img, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAmbassador) RemoteHead(ref name.Reference, options ...remote.Option) (*v1.Descriptor, error) {
	args := m.Called(ref, options)
	if d, ok := args.Get(0).(*v1.Descriptor); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAmbassador) WriteLayout(path string, img v1.Image) error {
	args := m.Called(path, img)
	return args.Error(0)
}

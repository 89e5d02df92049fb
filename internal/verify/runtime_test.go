package verify

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/opencontainers/go-digest"

	"github.com/seantiz/anvil/internal/hostexec"
)

// scriptedBackend answers commands by their joined argv.
type scriptedBackend struct {
	answers  map[string]hostexec.Result
	commands []string
}

func (b *scriptedBackend) Execute(_ context.Context, c hostexec.Command) (hostexec.Result, error) {
	line := c.Program + " " + strings.Join(c.Args, " ")
	b.commands = append(b.commands, line)
	res, ok := b.answers[line]
	if !ok {
		return hostexec.Result{ExitCode: 125, Stderr: "unexpected command: " + line}, nil
	}
	return res, nil
}

func (b *scriptedBackend) ReadFile(context.Context, string) ([]byte, error) { return nil, nil }
func (b *scriptedBackend) ListDir(context.Context, string) ([]hostexec.DirEntry, error) {
	return nil, nil
}
func (b *scriptedBackend) Exists(context.Context, string) (bool, error) { return false, nil }
func (b *scriptedBackend) CreateDirAll(context.Context, string) error   { return nil }
func (b *scriptedBackend) Target() string                               { return "scripted" }

func okResult(stdout string) hostexec.Result { return hostexec.Result{Stdout: stdout} }

func TestCLIRuntimePodman(t *testing.T) {
	b := &scriptedBackend{answers: map[string]hostexec.Result{
		"podman image inspect --format {{.Digest}} nginx:1.27":                                                           okResult(digestD.String() + "\n"),
		"podman ps --all --no-trunc --filter label=PODMAN_SYSTEMD_UNIT=web.service --format {{.ID}}":                     okResult("abc123\n"),
		"podman container inspect --format {{.ImageDigest}} abc123":                                                      okResult(digestD.String() + "\n"),
		"podman container inspect --format {{.State.Status}} {{if .State.Health}}{{.State.Health.Status}}{{end}} abc123": okResult("running healthy\n"),
		"podman pull --quiet nginx:1.27":                                                                                 okResult("sha256:feed\n"),
	}}
	rt := NewCLIRuntime(b, "podman", 0)
	ctx := context.Background()

	d, err := rt.ImageDigest(ctx, "nginx:1.27")
	if err != nil || d != digestD {
		t.Errorf("ImageDigest = %s, %v", d, err)
	}
	ids, err := rt.ContainersForUnit(ctx, "web.service")
	if err != nil || len(ids) != 1 || ids[0] != "abc123" {
		t.Errorf("ContainersForUnit = %v, %v", ids, err)
	}
	d, err = rt.ContainerDigest(ctx, "abc123")
	if err != nil || d != digestD {
		t.Errorf("ContainerDigest = %s, %v", d, err)
	}
	h, err := rt.ContainerHealth(ctx, "abc123")
	if err != nil || !h.Healthy() {
		t.Errorf("ContainerHealth = %+v, %v", h, err)
	}
	if err := rt.Pull(ctx, "nginx:1.27"); err != nil {
		t.Errorf("Pull: %v", err)
	}
}

func TestCLIRuntimeDockerUsesRepoDigests(t *testing.T) {
	b := &scriptedBackend{answers: map[string]hostexec.Result{
		"docker container inspect --format {{.Image}} {{.Config.Image}} abc123": okResult(imageID.String() + " nginx:1.27\n"),
		"docker image inspect --format {{range .RepoDigests}}{{println .}}{{end}} " + imageID.String(): okResult(
			"mirror.example.com/nginx@" + digestDPrime.String() + "\nnginx@" + digestD.String() + "\n"),
	}}
	rt := NewCLIRuntime(b, "docker", 0)

	d, err := rt.ContainerDigest(context.Background(), "abc123")
	if err != nil || d != digestD {
		t.Errorf("ContainerDigest = %s, %v", d, err)
	}
}

var imageID = digest.FromString("image")

func TestRepoDigest(t *testing.T) {
	entries := []string{
		"",
		"registry.example.com/team/api@" + digestDPrime.String(),
		"nginx:1.27",
		"docker.io/library/nginx@" + digestD.String(),
	}
	tests := []struct {
		ref     string
		want    digest.Digest
		wantErr bool
	}{
		{ref: "nginx:1.27", want: digestD},
		{ref: "docker.io/library/nginx:latest", want: digestD},
		{ref: "registry.example.com/team/api:2", want: digestDPrime},
		{ref: imageID.String(), want: digestDPrime},
		{ref: "ghcr.io/acme/web:1", wantErr: true},
		{ref: "Not A Reference", wantErr: true},
	}
	for _, tt := range tests {
		got, err := repoDigest(tt.ref, entries)
		if tt.wantErr {
			if err == nil {
				t.Errorf("repoDigest(%q) = %s, want error", tt.ref, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("repoDigest(%q) = %s, %v; want %s", tt.ref, got, err, tt.want)
		}
	}
}

func TestCLIRuntimeNonZeroExit(t *testing.T) {
	b := &scriptedBackend{answers: map[string]hostexec.Result{
		"podman pull --quiet nginx:1.27": {ExitCode: 125, Stderr: "manifest unknown"},
	}}
	rt := NewCLIRuntime(b, "podman", 0)

	err := rt.Pull(context.Background(), "nginx:1.27")
	var cmdErr *hostexec.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *hostexec.CommandError", err)
	}
	if !strings.Contains(cmdErr.Error(), "manifest unknown") {
		t.Errorf("error %q does not carry stderr", cmdErr.Error())
	}
}

func TestCLIRuntimeHealthWithoutCheck(t *testing.T) {
	b := &scriptedBackend{answers: map[string]hostexec.Result{
		"podman container inspect --format {{.State.Status}} {{if .State.Health}}{{.State.Health.Status}}{{end}} abc123": okResult("exited \n"),
	}}
	h, err := NewCLIRuntime(b, "podman", 0).ContainerHealth(context.Background(), "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if h.Running || h.Check != "" || h.Status != "exited" {
		t.Errorf("Health = %+v", h)
	}
}

type fakeDockerAPI struct {
	images     map[string]image.InspectResponse
	containers []container.Summary
	inspect    map[string]container.InspectResponse
	listOpts   container.ListOptions
	pulled     []string
}

func (f *fakeDockerAPI) ImageInspect(_ context.Context, id string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	img, ok := f.images[id]
	if !ok {
		return image.InspectResponse{}, errors.New("no such image")
	}
	return img, nil
}

func (f *fakeDockerAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded newer image"}`)), nil
}

func (f *fakeDockerAPI) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.listOpts = opts
	return f.containers, nil
}

func (f *fakeDockerAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	c, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container")
	}
	return c, nil
}

func TestDockerRuntime(t *testing.T) {
	api := &fakeDockerAPI{
		images: map[string]image.InspectResponse{
			"nginx:1.27":     {RepoDigests: []string{"nginx@" + digestD.String()}},
			imageID.String(): {RepoDigests: []string{"mirror.example.com/nginx@" + digestDPrime.String(), "nginx@" + digestD.String()}},
		},
		containers: []container.Summary{{ID: "abc123"}},
		inspect: map[string]container.InspectResponse{
			"abc123": {
				ContainerJSONBase: &container.ContainerJSONBase{
					Image: imageID.String(),
					State: &container.State{Running: true, Status: "running", Health: &container.Health{Status: "healthy"}},
				},
				Config: &container.Config{Image: "nginx:1.27"},
			},
		},
	}
	rt := &DockerRuntime{api: api, platform: "linux/amd64"}
	ctx := context.Background()

	d, err := rt.ImageDigest(ctx, "nginx:1.27")
	if err != nil || d != digestD {
		t.Errorf("ImageDigest = %s, %v", d, err)
	}

	ids, err := rt.ContainersForUnit(ctx, "web.service")
	if err != nil || len(ids) != 1 {
		t.Fatalf("ContainersForUnit = %v, %v", ids, err)
	}
	if got := api.listOpts.Filters.Get("label"); len(got) != 1 || got[0] != "PODMAN_SYSTEMD_UNIT=web.service" {
		t.Errorf("label filter = %v", got)
	}
	if !api.listOpts.All {
		t.Error("container list must include stopped containers")
	}

	d, err = rt.ContainerDigest(ctx, "abc123")
	if err != nil || d != digestD {
		t.Errorf("ContainerDigest = %s, %v", d, err)
	}

	h, err := rt.ContainerHealth(ctx, "abc123")
	if err != nil || !h.Healthy() {
		t.Errorf("ContainerHealth = %+v, %v", h, err)
	}

	if err := rt.Pull(ctx, "nginx:1.27"); err != nil || len(api.pulled) != 1 {
		t.Errorf("Pull: %v, pulled %v", err, api.pulled)
	}
}

package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Client is the orchestrator's handle onto the Docker Engine API — the
// concrete Provider backing (see ../provider.go) that stands in for the
// out-of-scope microVM provider named in spec.md §4.4.
type Client struct {
	api *client.Client
}

func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if err := pingClient(cli); err == nil {
		return &Client{api: cli}, nil
	} else if os.Getenv("DOCKER_HOST") != "" {
		_ = cli.Close()
		return nil, err
	}
	_ = cli.Close()
	if host, ok := AutoDockerHost(); ok {
		alt, altErr := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if altErr != nil {
			return nil, err
		}
		if pingErr := pingClient(alt); pingErr == nil {
			return &Client{api: alt}, nil
		}
		_ = alt.Close()
	}
	return nil, err
}

func pingClient(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

func (c *Client) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("network name required")
	}
	args := filters.NewArgs()
	args.Add("name", name)
	list, err := c.api.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return "", err
	}
	for _, item := range list {
		if item.Name == name {
			return item.ID, nil
		}
	}
	resp, err := c.api.NetworkCreate(ctx, name, types.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
		Labels:         labels,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

type ExecOptions struct {
	Env        []string
	WorkDir    string
	User       string
	Privileged bool
	TTY        bool
}

func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	if len(cmd) == 0 {
		return errors.New("command required")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: !opts.TTY,
		AttachStdin:  stdin != nil,
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
		User:         opts.User,
		Privileged:   opts.Privileged,
		Tty:          opts.TTY,
	})
	if err != nil {
		return err
	}

	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: opts.TTY})
	if err != nil {
		return err
	}
	defer attach.Close()

	errCh := make(chan error, 1)
	go func() {
		if stdin == nil {
			errCh <- nil
			return
		}
		_, err := io.Copy(attach.Conn, stdin)
		if cw, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}()

	if opts.TTY {
		_, err = io.Copy(stdout, attach.Reader)
	} else {
		_, err = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}
	if err != nil {
		return err
	}
	if ioErr := <-errCh; ioErr != nil {
		return ioErr
	}

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return err
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("exec exit code %d", inspect.ExitCode)
	}
	return nil
}

func (c *Client) CopyFileToContainer(ctx context.Context, containerID, destPath string, data []byte, mode int64) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	destPath = strings.TrimSpace(destPath)
	if destPath == "" {
		return errors.New("destination path required")
	}
	if mode == 0 {
		mode = 0o644
	}
	destDir := path.Dir(destPath)
	name := path.Base(destPath)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return c.api.CopyToContainer(ctx, containerID, destDir, &buf, types.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	})
}

func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
}

func (c *Client) CreateContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("container id required")
	}
	return c.api.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (c *Client) HostPortFor(ctx context.Context, containerID string, containerPort int, protocol string) (string, error) {
	if strings.TrimSpace(containerID) == "" {
		return "", errors.New("container id required")
	}
	if containerPort <= 0 {
		return "", errors.New("container port required")
	}
	if protocol == "" {
		protocol = "tcp"
	}
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}
	key := nat.Port(fmt.Sprintf("%d/%s", containerPort, protocol))
	bindings, ok := info.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("no host port bound for %s", key)
	}
	for _, binding := range bindings {
		if strings.TrimSpace(binding.HostPort) != "" {
			return binding.HostPort, nil
		}
	}
	return "", fmt.Errorf("no host port bound for %s", key)
}

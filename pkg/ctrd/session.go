package ctrd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/log"
	"github.com/containerd/containerd/namespaces"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// snapshotSkip are top-level directories that hold kernel or transient state
// rather than installed files.
var snapshotSkip = map[string]bool{
	"dev":  true,
	"proc": true,
	"sys":  true,
	"run":  true,
	"tmp":  true,
}

type session struct {
	d         *variant.Descriptor
	namespace string
	ctr       containerd.Container
	task      containerd.Task
	process   specs.Process
	manager   packageManager
	execSeq   atomic.Uint64
	updated   bool
}

var _ stage.Session = (*session)(nil)

type execResult struct {
	Code   uint32
	Stderr string
}

func (r execResult) err(args []string) error {
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		return errors.Errorf("%s exited with status %d", strings.Join(args, " "), r.Code)
	}
	return errors.Errorf("%s exited with status %d: %s", strings.Join(args, " "), r.Code, msg)
}

// exec runs args inside the build container, streaming its stdout into
// stdout.
func (s *session) exec(ctx context.Context, stdout io.Writer, env []string, args ...string) (execResult, error) {
	pspec := s.process
	pspec.Terminal = false
	pspec.Args = args
	pspec.Env = append(append([]string(nil), s.process.Env...), env...)

	if stdout == nil {
		stdout = io.Discard
	}
	var stderr bytes.Buffer

	execID := fmt.Sprintf("exec-%d", s.execSeq.Add(1))
	process, err := s.task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, stdout, &stderr)))
	if err != nil {
		return execResult{}, errors.Wrapf(err, "failed to exec %q", args[0])
	}
	defer func() {
		if _, err := process.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
			log.G(ctx).WithError(err).Debug("Failed to delete exec process")
		}
	}()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return execResult{}, err
	}
	if err := process.Start(ctx); err != nil {
		return execResult{}, errors.Wrapf(err, "failed to start %q", args[0])
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		process.Kill(context.Background(), syscall.SIGKILL)
		return execResult{}, ctx.Err()
	}

	code, _, err := status.Result()
	if err != nil {
		return execResult{}, err
	}
	// Wait for the io copy goroutines so stdout and stderr are complete.
	if pio := process.IO(); pio != nil {
		pio.Wait()
	}
	return execResult{Code: code, Stderr: stderr.String()}, nil
}

// output runs args and returns its stdout, failing on a non-zero exit.
func (s *session) output(ctx context.Context, args ...string) (string, error) {
	var stdout bytes.Buffer
	res, err := s.exec(ctx, &stdout, nil, args...)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", res.err(args)
	}
	return stdout.String(), nil
}

const libcProbe = `if ls /lib/ld-musl-* >/dev/null 2>&1; then echo musl; ` +
	`elif ls /lib*/ld-linux* /lib/*/ld-linux* /usr/lib*/ld-linux* >/dev/null 2>&1; then echo glibc; fi`

// Libc implements stage.Session by looking for the dynamic loader.
func (s *session) Libc(ctx context.Context) (variant.Libc, error) {
	out, err := s.output(ctx, "sh", "-c", libcProbe)
	if err != nil {
		return variant.LibcUnknown, err
	}
	return variant.ParseLibc(strings.TrimSpace(out)), nil
}

// InstallNative implements stage.Session.
func (s *session) InstallNative(ctx context.Context, pin variant.Pin) ([]string, error) {
	if s.manager.update != nil && !s.updated {
		if _, err := s.output(ctx, s.manager.update...); err != nil {
			return nil, errors.Wrap(err, "failed to refresh package index")
		}
		s.updated = true
	}

	before, err := s.installed(ctx)
	if err != nil {
		return nil, err
	}

	args := s.manager.install(pin)
	res, err := s.exec(ctx, nil, s.manager.env, args...)
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, &variant.NativeDependencyError{Package: pin.String(), Err: res.err(args)}
	}

	after, err := s.installed(ctx)
	if err != nil {
		return nil, err
	}

	// Requirements pulled in by the install are owned by the requested pin.
	pkgs := installedBy(pin.Name, before, after)
	log.G(ctx).WithField("package", pin.String()).Debugf("Install added packages %v", pkgs)

	out, err := s.output(ctx, s.manager.owned(pkgs)...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files of %s with %s", strings.Join(pkgs, " "), s.manager.name)
	}
	return dedupPaths(s.manager.parseOwned(out)), nil
}

func (s *session) installed(ctx context.Context) (map[string]bool, error) {
	out, err := s.output(ctx, s.manager.installed...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list installed packages with %s", s.manager.name)
	}
	return parsePackageList(out), nil
}

// InstallEcosystem implements stage.Session. Pins are installed one at a time
// in order, and the environment is checked for broken requirements after.
func (s *session) InstallEcosystem(ctx context.Context, pins []variant.Pin) error {
	python := "python" + s.d.MajorMinor()
	for _, pin := range pins {
		args := []string{python, "-m", "pip", "install", "--no-cache-dir", "--disable-pip-version-check", requirement(pin)}
		res, err := s.exec(ctx, nil, []string{"PIP_ROOT_USER_ACTION=ignore"}, args...)
		if err != nil {
			return err
		}
		if res.Code != 0 {
			return pipFailure(pin, res.err(args), res.Stderr)
		}
		log.G(ctx).WithField("package", pin.String()).Debug("Installed ecosystem package")
	}

	var stdout bytes.Buffer
	args := []string{python, "-m", "pip", "check"}
	res, err := s.exec(ctx, &stdout, nil, args...)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return &variant.PinConflictError{
			Package: firstBroken(stdout.String()),
			Err:     errors.New(strings.TrimSpace(stdout.String())),
		}
	}
	return nil
}

// Executables implements stage.Session.
func (s *session) Executables(ctx context.Context, dir, namePrefix string) ([]string, error) {
	out, err := s.output(ctx, "find", dir, "-mindepth", "1", "-maxdepth", "1", "!", "-type", "d", "-name", namePrefix+"*")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// Snapshot implements stage.Session by streaming a tar of the container's
// root filesystem into a tree.
func (s *session) Snapshot(ctx context.Context) (*fstree.Tree, error) {
	out, err := s.output(ctx, "ls", "-A", "/")
	if err != nil {
		return nil, err
	}
	top := snapshotRoots(lines(out))

	pr, pw := io.Pipe()
	tree := fstree.New()

	var eg errgroup.Group
	eg.Go(func() error {
		args := append([]string{"tar", "cf", "-", "-C", "/"}, top...)
		res, err := s.exec(ctx, pw, nil, args...)
		if err == nil && res.Code != 0 {
			err = res.err(args)
		}
		pw.CloseWithError(err)
		return err
	})
	eg.Go(func() error {
		err := tree.ApplyTar(pr)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		_, err = io.Copy(io.Discard, pr)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, errors.Wrap(err, "failed to snapshot build container")
	}
	return tree, nil
}

// Close implements stage.Session, removing the container and its snapshot.
func (s *session) Close() error {
	ctx := context.Background()
	if s.namespace != "" {
		ctx = namespaces.WithNamespace(ctx, s.namespace)
	}
	if s.task != nil {
		if err := s.task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			log.G(ctx).WithError(err).Debug("Failed to kill build task")
		}
		if _, err := s.task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return errors.Wrap(err, "failed to delete build task")
		}
	}
	if err := s.ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrap(err, "failed to delete build container")
	}
	return nil
}

// requirement converts a pin into a pip requirement specifier. Wildcard pins
// such as "2.x" become "==2.*".
func requirement(pin variant.Pin) string {
	v := pin.Version
	if v == "" || v == "*" || v == "x" {
		return pin.Name
	}
	if strings.HasSuffix(v, ".x") {
		v = strings.TrimSuffix(v, ".x") + ".*"
	}
	return pin.Name + "==" + v
}

// pipFailure classifies a failed pip install.
func pipFailure(pin variant.Pin, err error, stderr string) error {
	for _, marker := range []string{
		"ResolutionImpossible",
		"conflicting dependencies",
		"Cannot install",
		"No matching distribution",
	} {
		if strings.Contains(stderr, marker) {
			return &variant.PinConflictError{Package: pin.Name, Versions: []string{pin.Version}, Err: err}
		}
	}
	return &variant.BuildError{Step: string(stage.CheckpointEcosystem), Err: err}
}

// firstBroken returns the package named by the first line of pip check
// output, e.g. "app 1.9.0 has requirement requests<2.0.0, but you have
// requests 2.31.0.".
func firstBroken(out string) string {
	for _, line := range lines(out) {
		if fields := strings.Fields(line); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func snapshotRoots(entries []string) []string {
	var roots []string
	for _, e := range entries {
		e = strings.TrimPrefix(path.Clean("/"+e), "/")
		if e == "" || snapshotSkip[e] {
			continue
		}
		roots = append(roots, e)
	}
	sort.Strings(roots)
	return roots
}

// lines splits command output into sorted, non-empty lines.
func lines(out string) []string {
	var ls []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			ls = append(ls, l)
		}
	}
	sort.Strings(ls)
	return ls
}

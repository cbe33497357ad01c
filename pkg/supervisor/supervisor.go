// Package supervisor implements the PID-1 supervision loop of spec.md §4.I:
// forking the workload and declared services, reaping any exited
// descendant (including reparented orphans), restarting failed services
// with backoff, and driving the shutdown sequence.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/jesseduffield/kill"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// State is the supervisor's lifecycle state, per spec.md §4.I.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// RestartPolicy controls whether a service is relaunched after it exits.
type RestartPolicy string

const (
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// Identity is the uid/gid/supplementary-groups a process is forked with.
type Identity struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

func (id Identity) credential() *syscall.Credential {
	return &syscall.Credential{Uid: id.UID, Gid: id.GID, Groups: id.Groups}
}

// ProcessSpec is the shape common to the workload and every service.
type ProcessSpec struct {
	Name       string
	Command    []string
	Env        []string
	WorkingDir string
	Identity   Identity
	Restart    RestartPolicy
}

// maxBackoff bounds a service's restart backoff, per spec.md §4.I's
// "bounded backoff".
const maxBackoff = 30 * time.Second

// reapPollInterval governs how often the shutdown drain loop re-checks for
// exited children while waiting out the grace period.
const reapPollInterval = 200 * time.Millisecond

// Supervisor tracks the live workload and service processes and drives the
// reap/restart/shutdown loop. It is not reused across boots.
type Supervisor struct {
	mu    deadlock.Mutex
	state State

	workload    ProcessSpec
	workloadPID int

	services  map[int]*trackedService // pid -> service
	byName    map[string]*trackedService

	shutdownGrace time.Duration
	unmountPaths  []string // non-pseudo mounts, in creation order
	onShutdown    func() error

	log *logrus.Entry
}

type trackedService struct {
	spec    ProcessSpec
	cmd     *exec.Cmd
	backoff time.Duration
}

// New builds a Supervisor. unmountPaths is the ordered list of non-pseudo
// mount targets that F realized, unmounted in reverse during shutdown.
// onShutdown performs the final kernel reboot/poweroff operation.
func New(shutdownGrace time.Duration, unmountPaths []string, onShutdown func() error, debug bool, log *logrus.Entry) *Supervisor {
	deadlock.Opts.Disable = !debug
	return &Supervisor{
		state:         StateStarting,
		services:      map[int]*trackedService{},
		byName:        map[string]*trackedService{},
		shutdownGrace: shutdownGrace,
		unmountPaths:  unmountPaths,
		onShutdown:    onShutdown,
		log:           log,
	}
}

// State reports the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run forks workload and every enabled service, then blocks until shutdown
// completes. It implements spec.md §4.I steps 2-6 of supervisor mode.
func (s *Supervisor) Run(ctx context.Context, workload ProcessSpec, services []ProcessSpec) error {
	sigc := make(chan os.Signal, 8)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD, syscall.SIGPWR)
	defer signal.Stop(sigc)

	s.workload = workload
	pid, _, err := s.spawn(workload)
	if err != nil {
		return ezerrors.Supervisor("supervisor", "forking workload", err)
	}
	s.workloadPID = pid

	for _, svc := range services {
		if err := s.startService(svc); err != nil {
			return ezerrors.Supervisor("supervisor", fmt.Sprintf("forking service %s", svc.Name), err)
		}
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown("context canceled")
		case sig := <-sigc:
			switch sig {
			case syscall.SIGCHLD:
				if workloadExited := s.reapAll(); workloadExited {
					return s.shutdown("workload exited")
				}
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGPWR:
				return s.shutdown(fmt.Sprintf("received %s", sig))
			}
		}
	}
}

func (s *Supervisor) spawn(p ProcessSpec) (int, *exec.Cmd, error) {
	cmd := exec.Command(p.Command[0], p.Command[1:]...)
	cmd.Env = p.Env
	cmd.Dir = p.WorkingDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: p.Identity.credential()}
	kill.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	return cmd.Process.Pid, cmd, nil
}

func (s *Supervisor) startService(spec ProcessSpec) error {
	pid, cmd, err := s.spawn(spec)
	if err != nil {
		return err
	}
	tracked := &trackedService{spec: spec, cmd: cmd}

	s.mu.Lock()
	s.services[pid] = tracked
	s.byName[spec.Name] = tracked
	s.mu.Unlock()
	return nil
}

// reapAll reaps every exited descendant without blocking, including
// orphans reparented to PID 1, per spec.md §4.I's orphan-reaping
// invariant. Services with an on-failure restart policy are relaunched
// after a bounded backoff. Returns true if the workload was among the
// reaped processes.
func (s *Supervisor) reapAll() bool {
	workloadExited := false
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return workloadExited
		}

		s.mu.Lock()
		if pid == s.workloadPID {
			workloadExited = true
			s.mu.Unlock()
			continue
		}

		tracked, known := s.services[pid]
		if !known {
			s.mu.Unlock()
			continue // reparented orphan, silently discarded
		}
		delete(s.services, pid)
		s.mu.Unlock()

		failed := status.Exited() && status.ExitStatus() != 0
		if tracked.spec.Restart == RestartOnFailure && failed {
			s.restartWithBackoff(tracked)
		} else {
			s.mu.Lock()
			delete(s.byName, tracked.spec.Name)
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) restartWithBackoff(tracked *trackedService) {
	backoff := tracked.backoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	} else {
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	s.log.WithField("service", tracked.spec.Name).WithField("backoff", backoff).Warn("service exited, restarting")
	time.Sleep(backoff)

	pid, cmd, err := s.spawn(tracked.spec)
	if err != nil {
		s.log.WithError(err).WithField("service", tracked.spec.Name).Error("failed to restart service")
		return
	}

	tracked.cmd = cmd
	tracked.backoff = backoff
	s.mu.Lock()
	s.services[pid] = tracked
	s.mu.Unlock()
}

// shutdown implements spec.md §4.I step 6: TERM every remaining child,
// wait up to the grace period, KILL survivors, reap all, unmount
// non-pseudo mounts in reverse order, then hand off to onShutdown.
func (s *Supervisor) shutdown(reason string) error {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateDone {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	s.mu.Unlock()

	s.log.WithField("reason", reason).Info("shutting down")

	remaining := s.remainingPIDs()
	for _, pid := range remaining {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(s.shutdownGrace)
	for time.Now().Before(deadline) && len(s.remainingPIDs()) > 0 {
		s.reapAll()
		time.Sleep(reapPollInterval)
	}

	for _, pid := range s.remainingPIDs() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	s.reapAll()
	s.reapAll() // second pass for processes that were mid-exit during the KILL

	for i := len(s.unmountPaths) - 1; i >= 0; i-- {
		if err := syscall.Unmount(s.unmountPaths[i], 0); err != nil {
			s.log.WithError(err).WithField("mount", s.unmountPaths[i]).Warn("unmount failed during shutdown")
		}
	}

	s.mu.Lock()
	s.state = StateDone
	s.mu.Unlock()

	if s.onShutdown != nil {
		return s.onShutdown()
	}
	return nil
}

func (s *Supervisor) remainingPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.services)+1)
	if s.workloadPID != 0 {
		if processAlive(s.workloadPID) {
			pids = append(pids, s.workloadPID)
		}
	}
	for pid := range s.services {
		pids = append(pids, pid)
	}
	return pids
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Replace implements replace mode (spec.md §4.I): it replaces the current
// process image with the workload's command via execve, so the workload
// becomes PID 1 with no supervision. It never returns on success.
func Replace(workload ProcessSpec) error {
	path, err := exec.LookPath(workload.Command[0])
	if err != nil {
		return ezerrors.Supervisor("supervisor", "resolving workload executable", err)
	}
	if err := syscall.Setuid(int(workload.Identity.UID)); err != nil {
		return ezerrors.Supervisor("supervisor", "setting uid for replace-init", err)
	}
	if err := syscall.Setgid(int(workload.Identity.GID)); err != nil {
		return ezerrors.Supervisor("supervisor", "setting gid for replace-init", err)
	}
	if err := os.Chdir(workload.WorkingDir); err != nil {
		return ezerrors.Supervisor("supervisor", "setting working directory for replace-init", err)
	}
	return syscall.Exec(path, workload.Command, workload.Env)
}

//go:build unix

package process

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// configure ставит команду в свою группу процессов: отмена убивает shell и всех потомков
func configure(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if grace <= 0 {
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		return
	}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			return unix.Kill(pgid, unix.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH от уже завершенной группы не важен
			_ = unix.Kill(pgid, unix.SIGKILL)
		}()
		return nil
	}
}

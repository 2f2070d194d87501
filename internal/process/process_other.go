//go:build !unix

package process

import (
	"os/exec"
	"time"
)

// Без групп процессов отмена убивает только сам shell (поведение exec.CommandContext)
func configure(cmd *exec.Cmd, _ time.Duration) {}

package camera

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup は子プロセスを独立したプロセスグループで起動させる
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup はプロセスグループ全体にシグナルを送る
// 既に存在しない場合はエラーにしない
func killProcessGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// terminateProcessGroup はSIGTERMを送り、猶予後にSIGKILLで残りを止める
// exitedはグループリーダーのWaitが終わったときに閉じられるチャンネル
func terminateProcessGroup(pgid int, exited <-chan struct{}, grace time.Duration, logger *slog.Logger) {
	if err := killProcessGroup(pgid, unix.SIGTERM); err != nil {
		logger.Warn("SIGTERMの送信に失敗", "pgid", pgid, "error", err)
	}

	select {
	case <-exited:
	case <-time.After(grace):
		logger.Debug("猶予時間内に終了しなかったため強制終了します", "pgid", pgid)
	}

	// リーダーが終了していても子孫が残っている可能性がある
	if err := killProcessGroup(pgid, unix.SIGKILL); err != nil {
		logger.Warn("SIGKILLの送信に失敗", "pgid", pgid, "error", err)
	}

	select {
	case <-exited:
	case <-time.After(grace):
		logger.Warn("プロセスの終了を確認できませんでした", "pgid", pgid)
	}
}

// readPIDFile はランチャーが書いたPIDを読む
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

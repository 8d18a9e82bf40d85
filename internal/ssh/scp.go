package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

const scpCommand = "scp -t"

var permsPattern = regexp.MustCompile(`^0?[0-7]{3}$`)

// Transfer stages reported by TransferError.
const (
	StageStart   = "start"
	StageHeader  = "header"
	StagePayload = "payload"
)

// ScpBytes writes data to remotePath/remoteFileName with the given octal
// permissions using the scp sink protocol. Every step waits for a zero
// acknowledgement byte; anything else aborts the transfer before more is
// sent. The whole exchange is bounded by Config.IdleTimeout.
func (c *Channel) ScpBytes(ctx context.Context, data []byte, remotePath, remoteFileName, perms string) (int, error) {
	mode, err := normalizePerms(perms)
	if err != nil {
		return StatusUnknownError, err
	}
	if remoteFileName == "" || strings.ContainsAny(remoteFileName, "/\n") {
		return StatusUnknownError, fmt.Errorf("%w: file name %q", ErrInvalidTransferArgs, remoteFileName)
	}

	target := path.Join(remotePath, remoteFileName)
	command := scpCommand + " " + shellQuote(target)
	if err := c.validate(ctx); err != nil {
		return StatusUnknownError, err
	}
	logger := c.logger.With().Str("command", command).Int("bytes", len(data)).Logger()
	sess := c.session
	defer c.release()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return StatusUnknownError, fmt.Errorf("open stdin: %w", err)
	}
	defer func() { _ = stdin.Close() }()
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return StatusUnknownError, fmt.Errorf("open stdout: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.dialer.cfg.IdleTimeout)
	defer cancel()
	stopAbort := context.AfterFunc(ctx, func() {
		_ = sess.Close()
	})
	defer stopAbort()

	if err := sess.Start(command); err != nil {
		logger.Error().Err(err).Msg("could not start remote scp")
		return StatusUnknownError, fmt.Errorf("start remote scp: %w", err)
	}

	r := bufio.NewReader(stdout)
	w := bufio.NewWriter(stdin)

	fail := func(err error) (int, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", err, ctxErr)
		}
		logger.Error().Err(err).Msg("error copying data to remote host")
		return StatusUnknownError, err
	}

	if err := readAck(r, StageStart); err != nil {
		return fail(err)
	}

	header := fmt.Sprintf("C0%s %d %s\n", mode, len(data), remoteFileName)
	if _, err := w.WriteString(header); err != nil {
		return fail(fmt.Errorf("send header: %w", err))
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("send header: %w", err))
	}
	if err := readAck(r, StageHeader); err != nil {
		return fail(err)
	}

	if _, err := w.Write(data); err != nil {
		return fail(fmt.Errorf("send payload: %w", err))
	}
	if err := w.WriteByte(0); err != nil {
		return fail(fmt.Errorf("send payload: %w", err))
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("send payload: %w", err))
	}
	if err := readAck(r, StagePayload); err != nil {
		return fail(err)
	}

	logger.Debug().Str("target", target).Msg("pushed file to remote host")
	return StatusSuccess, nil
}

// readAck consumes one acknowledgement. A nonzero code is followed by a
// diagnostic line from the remote side.
func readAck(r *bufio.Reader, stage string) error {
	code, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &TransferError{Stage: stage, Code: -1, Message: "unexpected end of stream"}
		}
		return &TransferError{Stage: stage, Code: -1, Message: err.Error()}
	}
	if code == 0 {
		return nil
	}
	line, _ := r.ReadString('\n')
	return &TransferError{Stage: stage, Code: int(code), Message: strings.TrimRight(line, "\r\n")}
}

func normalizePerms(perms string) (string, error) {
	if !permsPattern.MatchString(perms) {
		return "", fmt.Errorf("%w: perms %q", ErrInvalidTransferArgs, perms)
	}
	return perms[len(perms)-3:], nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

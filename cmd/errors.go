package cmd

import (
	"errors"
	"fmt"

	"org-backup-engine/internal/backup"
	appErrors "org-backup-engine/internal/errors"
)

// userMessage turns a command error into the line printed on stderr. Key
// and archive problems get a hint on what to check; classified database
// errors print their user message.
func userMessage(err error) string {
	switch {
	case backup.IsWrongKey(err):
		return fmt.Sprintf("%v\nThe archive was encrypted with a different key. Check that encryption.key_source resolves the key id recorded on the backup.", err)
	case backup.IsKeyNotFound(err):
		return fmt.Sprintf("%v\nThe encryption key is not configured. Provide it through encryption.key_source or generate one with \"orgbackup keys generate\".", err)
	case backup.IsCorrupted(err):
		return fmt.Sprintf("%v\nThe archive is damaged. Run \"orgbackup backup verify\" for details and restore from another backup.", err)
	}

	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		msg := appErr.GetUserMessage()
		if appErrors.IsRecoverableError(err) {
			msg += " (temporary, retry the command)"
		}
		return msg
	}
	return err.Error()
}

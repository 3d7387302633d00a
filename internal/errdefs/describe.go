package errdefs

// Description is the user-facing rendering of an error kind: a short
// title, an explanation and the actions that resolve it.
type Description struct {
	Title       string
	Explanation string
	Suggestions []string
}

// Describe maps err to the message for its kind. The second return value
// is false when err carries no known kind.
func Describe(err error) (Description, bool) {
	switch Kind(err) {
	case ErrNotFound:
		return Description{
			Title:       "instance not found",
			Explanation: err.Error(),
			Suggestions: []string{
				"List registered instances:\n  na-tools list",
				"Pass an id from that list or the instance's data directory",
			},
		}, true
	case ErrDuplicatePath:
		return Description{
			Title:       "directory already registered",
			Explanation: err.Error(),
			Suggestions: []string{"Switch to the existing instance instead:\n  na-tools use <path>"},
		}, true
	case ErrNoActiveInstance:
		return Description{
			Title:       "no active instance",
			Explanation: "No Nekro Agent instance is selected for this command.",
			Suggestions: []string{
				"Install one:\n  na-tools install",
				"Select an existing one:\n  na-tools list && na-tools use <id>",
			},
		}, true
	case ErrStaleActiveInstance:
		return Description{
			Title:       "active instance is stale",
			Explanation: err.Error(),
			Suggestions: []string{
				"Switch to another instance:\n  na-tools use <id>",
				"Restore the missing directory from a backup:\n  na-tools restore --instance <id>",
			},
		}, true
	case ErrInstanceUnreachable:
		return Description{
			Title:       "instance directory unreachable",
			Explanation: err.Error(),
			Suggestions: []string{"Check that the directory exists and is mounted, then retry"},
		}, true
	case ErrIOFailure:
		return Description{
			Title:       "i/o failure",
			Explanation: err.Error(),
			Suggestions: []string{
				"Check permissions on the data and backup directories",
				"Re-run with sudo if the data directory is owned by root",
			},
		}, true
	case ErrInsufficientSpace:
		return Description{
			Title:       "not enough disk space",
			Explanation: err.Error(),
			Suggestions: []string{
				"Free space on the target filesystem",
				"Write the archive elsewhere:\n  na-tools backup --output /other/disk/backup.nabak",
			},
		}, true
	case ErrIncompatibleFormat:
		return Description{
			Title:       "archive format not supported",
			Explanation: err.Error(),
			Suggestions: []string{"Upgrade na-tools to the version that created this archive"},
		}, true
	case ErrCorruptArchive:
		return Description{
			Title:       "archive is corrupt",
			Explanation: err.Error() + "\n\nThe target instance was not modified.",
			Suggestions: []string{
				"Pick another archive:\n  na-tools backup list",
				"Re-copy the archive from its original location",
			},
		}, true
	case ErrConcurrentModification:
		return Description{
			Title:       "another na-tools command is running",
			Explanation: err.Error(),
			Suggestions: []string{"Wait for the other command to finish, then retry"},
		}, true
	}
	return Description{}, false
}

package app

import "errors"

var (
	// ErrActiveChatEmpty rejects new_chat while the active chat has no messages.
	ErrActiveChatEmpty = errors.New("current chat is empty; upload a dataset or ask a question first")
	// ErrChatNotFound covers unknown and foreign chat ids alike.
	ErrChatNotFound = errors.New("chat not found")
	// ErrBadChatID rejects a non-integer chat id before any mutation.
	ErrBadChatID = errors.New("invalid chat id")
	// ErrNoDataset rejects a question when the active chat has no dataset.
	ErrNoDataset = errors.New("No dataset uploaded to answer the question.")
	// ErrEmptyQuestion rejects a blank question.
	ErrEmptyQuestion = errors.New("question required")
	// ErrNoFile rejects an upload request without a file part.
	ErrNoFile = errors.New("no file provided")
	// ErrBadForm rejects an unreadable request body.
	ErrBadForm = errors.New("malformed form body")
	// ErrUploadTooLarge rejects a request body over the configured limit.
	ErrUploadTooLarge = errors.New("uploaded file exceeds the size limit")
	// ErrEmailTaken rejects signup with an existing email.
	ErrEmailTaken = errors.New("an account with this email already exists")
	// ErrInvalidCredentials is deliberately vague about which part failed.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

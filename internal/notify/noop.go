package notify

import "context"

// NoopChannel discards every send. Used when no Firebase credentials are
// configured so the scheduler can still run end-to-end in development.
type NoopChannel struct{}

func (NoopChannel) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) (MulticastResult, error) {
	return MulticastResult{SuccessCount: len(tokens)}, nil
}

func (NoopChannel) SendSingle(ctx context.Context, token, title, body string, data map[string]string) error {
	return nil
}

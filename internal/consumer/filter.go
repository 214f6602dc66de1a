package consumer

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/types"
)

// Filter returns a consumer that calls next only for envelopes whose body is
// valid JSON with a string equal to want at path (gjson syntax). Other
// messages complete successfully without reaching next.
func Filter(path, want string, next scheduler.Consumer) scheduler.Consumer {
	return func(ctx context.Context, msg types.Message) error {
		if !bodyMatches(msg, path, want) {
			return nil
		}
		return next(ctx, msg)
	}
}

func bodyMatches(msg types.Message, path, want string) bool {
	env, ok := msg.(*types.Envelope)
	if !ok || !gjson.ValidBytes(env.Body) {
		return false
	}
	r := gjson.GetBytes(env.Body, path)
	return r.Exists() && r.Type == gjson.String && r.String() == want
}

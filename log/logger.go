package log

import (
	"context"
	"io"

	"github.com/finch-technologies/queue-drain/log/zero"
	"github.com/rs/zerolog"
)

var hasInit bool = false

func Init() {

	if hasInit {
		return
	}

	z := zero.New(context.Background(), nil, nil)

	zerolog.DefaultContextLogger = z.GetLogger()

	hasInit = true
}

func New(ctx context.Context, ctxFields interface{}) LoggerInterface {
	return NewWithWriter(ctx, ctxFields, nil)
}

// NewWithWriter builds a logger writing to w instead of stdout.
func NewWithWriter(ctx context.Context, ctxFields interface{}, w io.Writer) LoggerInterface {
	Init()

	return zero.New(ctx, ctxFields, w)
}

package execapi

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

func newUUID() string {
	return uuid.New().String()
}

func withHeader(ctx context.Context, key, value string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	} else {
		md = md.Copy()
	}
	md.Set(key, value)
	return metadata.NewOutgoingContext(ctx, md)
}

package trie

import (
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// DigestBlob computes the REAPI digest of a raw byte slice, delegating to the
// remote-apis-sdks digest package rather than hashing by hand, matching how
// please's own src/remote/utils.go leans on the same package for digest.Digest
// construction (digest.NewFromProtoUnvalidated et al).
func DigestBlob(b []byte) repb.Digest {
	return *digest.NewFromBlob(b).ToProto()
}

// DigestProto marshals msg and returns its digest along with the marshalled
// bytes, mirroring please's digestMessageContents. Returning the bytes alongside
// the digest lets a caller upload exactly what it hashed without re-marshalling.
func DigestProto(msg proto.Message) (repb.Digest, []byte) {
	b, err := proto.Marshal(msg)
	if err != nil {
		// Only hand-built messages with no required fields pass through here,
		// so a marshal failure means a bug in this package, not bad input.
		panic("trie: failed to marshal message: " + err.Error())
	}
	return DigestBlob(b), b
}

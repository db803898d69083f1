package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Chain hashing binds each operation to its predecessor in the same
// stream: any reordering, deletion, or retroactive edit of stored history
// changes at least one recomputed hash. The envelope is length-delimited
// so no two distinct field sequences collide, and carries a versioned
// domain prefix so operation hashes can never be confused with other
// SHA-256 uses.
const chainDomain = "opfold:op:v1"

var genesisHash = func() string {
	sum := sha256.Sum256([]byte(genesisDomain))
	return hex.EncodeToString(sum[:])
}()

// GenesisHash returns the well-known previous-hash constant for index 0.
func GenesisHash() string {
	return genesisHash
}

// ComputeHash derives the chain hash for an operation from its own fields
// and the previous operation's hash in the same stream.
func ComputeHash(prevHash string, key StreamKey, index int64, actionType string, input []byte, timestampMillis int64) string {
	digest := sha256.New()
	writeField(digest, []byte(chainDomain))
	writeField(digest, []byte(prevHash))
	writeField(digest, []byte(key.DocumentID))
	writeField(digest, []byte(key.Scope))
	writeField(digest, []byte(key.Branch))
	writeField(digest, []byte(strconv.FormatInt(index, 10)))
	writeField(digest, []byte(actionType))
	writeField(digest, input)
	writeField(digest, []byte(strconv.FormatInt(timestampMillis, 10)))
	return hex.EncodeToString(digest.Sum(nil))
}

// OperationHash recomputes the chain hash for a stored operation.
func OperationHash(prevHash string, op Operation) string {
	return ComputeHash(prevHash, op.Key(), op.OpIndex, op.ActionType, []byte(op.InputJSON), op.TimestampMillis)
}

func writeField(digest interface{ Write(p []byte) (int, error) }, field []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(field)))
	digest.Write(length[:])
	digest.Write(field)
}

package redisstream

// Stream entry fields.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw []byte, no base64
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"

	// dead-letter entries only
	fieldOrigTopic = "orig_topic"
	fieldOrigID    = "orig_id"
	fieldError     = "error"
)

// MetaStreamID is the metadata key holding the Redis entry ID of a delivery.
const MetaStreamID = "redis-stream-id"

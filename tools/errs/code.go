package errs

// 错误码分段：
// 1xx 会话/连接；2xx 心跳/在线；3xx 会话消息；4xx 订阅/总线；5xx 鉴权；9xx 系统
const (
	ServerInternalError = 900

	SessionNotFoundCode   = 101
	SessionExistsCode     = 102
	ConversationNotFound  = 301
	SenderNotParticipant  = 302
	MessageNotFoundCode   = 303
	DuplicatePayloadCode  = 304
	SubscriberQueueFull   = 401
	TopicNotSubscribed    = 402
	TokenExpiredCode      = 501
	TokenInvalidCode      = 502
	RecordIsExistCode     = 601
)

// 同一类错误的预定义值；调用方用 errors.Is / CodeError.Is 判断
var (
	ErrSessionNotFound      = NewCodeError(SessionNotFoundCode, "session not found")
	ErrSessionExists        = NewCodeError(SessionExistsCode, "session already registered")
	ErrConversationNotFound = NewCodeError(ConversationNotFound, "conversation not found")
	ErrNotParticipant       = NewCodeError(SenderNotParticipant, "sender not a participant")
	ErrMessageNotFound      = NewCodeError(MessageNotFoundCode, "message not found")
	ErrDuplicatePayload     = NewCodeError(DuplicatePayloadCode, "client message id reused with different payload")
	ErrQueueFull            = NewCodeError(SubscriberQueueFull, "subscriber queue full")
	ErrNotSubscribed        = NewCodeError(TopicNotSubscribed, "topic not subscribed")
	ErrTokenExpired         = NewCodeError(TokenExpiredCode, "token expired")
	ErrTokenInvalid         = NewCodeError(TokenInvalidCode, "token invalid")
	ErrorRecordIsExist      = NewCodeError(RecordIsExistCode, "record already exists")
)

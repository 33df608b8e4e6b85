package errs

// 错误码分配：1xxx 协议/连接，2xxx 鉴权，3xxx 投递/路由，4xxx 存储，5xxx 内部
const (
	ProtocolErrorCode       = 1001
	FrameTooLargeCode       = 1002
	HandshakeTimeoutCode    = 1003
	AuthErrorCode           = 2001
	TokenExpiredCode        = 2002
	DeliveryUnreachableCode = 3001
	ReshardInFlightCode     = 3002
	GroupFullCode           = 3003
	RecordNotFoundCode      = 4001
	RecordExistsCode        = 4002
	ServerInternalCode      = 5001
)

var (
	ErrProtocol            = NewCodeError(ProtocolErrorCode, "malformed frame")
	ErrFrameTooLarge       = NewCodeError(FrameTooLargeCode, "frame exceeds max length")
	ErrHandshakeTimeout    = NewCodeError(HandshakeTimeoutCode, "no auth frame within grace period")
	ErrAuth                = NewCodeError(AuthErrorCode, "bad or missing token")
	ErrTokenExpired        = NewCodeError(TokenExpiredCode, "token expired")
	ErrDeliveryUnreachable = NewCodeError(DeliveryUnreachableCode, "target not reachable")
	ErrReshardInFlight     = NewCodeError(ReshardInFlightCode, "owner changed mid-operation")
	ErrGroupFull           = NewCodeError(GroupFullCode, "group member cap reached")
	ErrRecordNotFound      = NewCodeError(RecordNotFoundCode, "record not found")
	ErrRecordExists        = NewCodeError(RecordExistsCode, "record already exists")
	ErrServerInternal      = NewCodeError(ServerInternalCode, "server internal error")
)

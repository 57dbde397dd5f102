package consts

const (
	DoctorRole  = "doctor"
	PatientRole = "patient"
	ServiceRole = "service"
)

const (
	TopicSubscribeSuccess   = "subscribe_success"
	TopicUnsubscribeSuccess = "unsubscribe_success"
)

// 死信消息附加的 header
const (
	HeaderOriginalTopic       = "original_topic"
	HeaderFailureReason       = "failure_reason"
	HeaderAttempts            = "attempts"
	HeaderSubscriptionPattern = "subscription_pattern"
)

// 网关错误码
const (
	ErrorCodeBadRequest   = 4000
	ErrorCodeUnauthorized = 4001
	ErrorCodeForbidden    = 4003
	ErrorCodePublish      = 4100
	ErrorCodeSubscribe    = 4101
	ErrorCodeKickout      = 4900
)

const DefaultBrokerName = "default"

package broker

import "codeberg.org/mutker/frothctl/internal/errors"

const (
	ErrConnectFailed   = errors.ErrorCode("broker_connect_failed")
	ErrConnectTimeout  = errors.ErrorCode("broker_connect_timeout")
	ErrSubscribeFailed = errors.ErrorCode("broker_subscribe_failed")
	ErrPublishFailed   = errors.ErrorCode("broker_publish_failed")
	ErrPublishTimeout  = errors.ErrorCode("broker_publish_timeout")
	ErrDecodeFailed    = errors.ErrorCode("broker_decode_failed")
)

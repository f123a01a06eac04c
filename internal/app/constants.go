package app

import "github.com/thushan/olla/internal/core/constants"

const (
	ContentTypeHeader = constants.ContentTypeHeader
	ContentTypeJSON   = constants.ContentTypeJSON
)

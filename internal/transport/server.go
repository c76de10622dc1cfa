package transport

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ServerConfig returns the fiber settings shared by every binary. Request
// bodies are streamed and multipart forms are not pre-parsed, so an upload
// reaches its handler with at most one read buffer held in memory.
func ServerConfig(logger *zap.Logger, bodyLimit int) fiber.Config {
	return fiber.Config{
		ErrorHandler:                 ErrorHandler(logger),
		BodyLimit:                    bodyLimit,
		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
		DisableStartupMessage:        true,
	}
}

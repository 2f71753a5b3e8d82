// middleware/compress.go
package middleware

import (
	"net/http"

	"github.com/dalemusser/dashgate/config"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// compressibleTypes are the response types worth compressing at the edge.
// Chart images and exports arrive already compressed.
var compressibleTypes = []string{
	"text/html",
	"text/css",
	"text/plain",
	"text/javascript",
	"application/javascript",
	"application/json",
	"image/svg+xml",
}

// CompressFromConfig returns a compression middleware based on the CoreConfig,
// or an identity middleware when compression is off.
func CompressFromConfig(coreCfg *config.CoreConfig, logger *zap.Logger) func(next http.Handler) http.Handler {
	if coreCfg == nil || !coreCfg.EnableCompression {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return Compress(coreCfg.CompressionLevel, logger)
}

// Compress returns gzip/deflate compression at level 1 (fastest) to 9
// (smallest). Levels outside the range are clamped with a warning.
func Compress(level int, logger *zap.Logger) func(next http.Handler) http.Handler {
	clamped := min(max(level, 1), 9)
	if clamped != level && logger != nil {
		logger.Warn("compression level clamped",
			zap.Int("requested", level), zap.Int("level", clamped))
	}
	return middleware.Compress(clamped, compressibleTypes...)
}

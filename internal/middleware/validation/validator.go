package validation

import (
	"mime"
	"regexp"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/order-intake/backend/pkg/logger"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

type Config struct {
	MaxBodySize int
	// ContentTypes maps a path prefix to the media types accepted by writes
	// under it. The longest matching prefix wins; unmatched paths accept any.
	ContentTypes map[string][]string
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 25 * 1024 * 1024
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if size := len(c.Body()); size > cfg.MaxBodySize {
			logger.Warn("Rejected oversized request",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
				zap.Int("size", size),
			)
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Request body exceeds maximum size",
			})
		}

		allowed := allowedTypes(cfg.ContentTypes, c.Path())
		if allowed == nil {
			return c.Next()
		}

		mediaType, _, err := mime.ParseMediaType(c.Get(fiber.HeaderContentType))
		if err != nil || !slices.Contains(allowed, mediaType) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error":   "Unsupported content type",
				"allowed": allowed,
			})
		}

		return c.Next()
	}
}

func allowedTypes(rules map[string][]string, path string) []string {
	var best string
	var types []string
	for prefix, t := range rules {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best, types = prefix, t
		}
	}
	return types
}

// SessionParam rejects requests whose named route parameter is not a usable
// session id.
func SessionParam(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !ValidSessionID(c.Params(name)) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid session id",
			})
		}
		return c.Next()
	}
}

func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

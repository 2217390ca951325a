package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ResultPayloadKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:result:%s", jobID)
}

func RateLimitKey(clientIP string) string {
	return fmt.Sprintf("ratelimit:%s", clientIP)
}

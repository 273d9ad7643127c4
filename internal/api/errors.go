package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"kyri56xcaesar/accountd/pkg/accountdir"
)

// retryAfter is sent with 503 responses caused by lock contention.
const retryAfter = "1"

// statusOf maps a directory error to its http status.
func statusOf(err error) int {
	switch {
	case accountdir.IsValidation(err):
		return http.StatusBadRequest
	case accountdir.IsNotFound(err):
		return http.StatusNotFound
	case accountdir.IsConflict(err):
		return http.StatusConflict
	case accountdir.IsLockTimeout(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (srv *HTTPService) respondErr(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}

	var nf *accountdir.NotFoundError
	if errors.As(err, &nf) {
		body["kind"] = nf.Kind
		body["name"] = nf.Name
	}
	if reason, ok := accountdir.ConflictReasonOf(err); ok {
		body["reason"] = reason
	}

	switch status {
	case http.StatusServiceUnavailable:
		c.Header("Retry-After", retryAfter)
		srv.Log.Warnf("[%s] %s %s: %v", requestID(c), c.Request.Method, c.Request.URL.Path, err)
	case http.StatusInternalServerError:
		srv.Log.Errf("[%s] %s %s: %v", requestID(c), c.Request.Method, c.Request.URL.Path, err)
		// file paths and validator output stay in the log
		body["error"] = "internal error, see request " + requestID(c)
	}
	c.JSON(status, body)
}

// respondBindErr answers a request body that failed to bind.
func respondBindErr(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" failed on "+fe.Tag())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "binding error: " + err.Error()})
}

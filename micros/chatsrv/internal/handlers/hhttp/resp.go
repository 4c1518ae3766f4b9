package hhttp

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/pkg/myerr"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
	"github.com/sweemingdow/sdchat/pkg/wrapper"
)

const (
	UidHeader = "X-Sdchat-Uid"
	uidLocal  = "sdchat_uid"
)

// RequireUid resolves the caller. The gateway in front of chatsrv owns
// authentication and forwards the uid.
func RequireUid(c *fiber.Ctx) error {
	uid := c.Get(UidHeader)
	if uid == "" {
		uid = c.Query("uid")
	}

	if uid == "" {
		return erespcode.NewNotSignedInErr()
	}

	c.Locals(uidLocal, uid)
	return c.Next()
}

func uidOf(c *fiber.Ctx) string {
	uid, _ := c.Locals(uidLocal).(string)
	return uid
}

func respond[T any](c *fiber.Ctx, data T) error {
	contents, err := json.Fmt(wrapper.RespOk(data))
	if err != nil {
		return err
	}

	c.Type("json", "utf-8")
	return c.Send(contents)
}

func respondOk(c *fiber.Ctx) error {
	return respond[any](c, nil)
}

func parseBody(c *fiber.Ctx, v any) error {
	if err := json.Parse(c.Body(), v); err != nil {
		return myerr.Invalid("", "bad request body: %v", err)
	}
	return nil
}

func queryInt64(c *fiber.Ctx, key string) (int64, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, myerr.Invalid("", "%s must be an integer", key)
	}
	return v, nil
}

func paramMsgId(c *fiber.Ctx) (int64, error) {
	v, err := strconv.ParseInt(c.Params("msgId"), 10, 64)
	if err != nil {
		return 0, myerr.Invalid("", "bad msg id %q", c.Params("msgId"))
	}
	return v, nil
}

// ErrorHandler renders every failure as a wrapped response, the HTTP status
// follows the error kind.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	var fe *fiber.Error
	switch {
	case myerr.IsPermission(err):
		status = fiber.StatusForbidden
	case myerr.IsNotFound(err):
		status = fiber.StatusNotFound
	case myerr.IsInvalid(err):
		status = fiber.StatusBadRequest
	case myerr.IsConflict(err):
		status = fiber.StatusConflict
	case errors.As(err, &fe):
		status = fe.Code
	}

	if status >= fiber.StatusInternalServerError {
		lg := mylog.AppLogger()
		lg.Error().Stack().Err(err).Str("path", c.Path()).Msg("fiber handle failed")
	}

	return c.Status(status).JSON(wrapper.GeneralErr(err))
}

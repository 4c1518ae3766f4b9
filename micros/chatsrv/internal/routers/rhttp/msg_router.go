package rhttp

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/handlers/hhttp"
)

func ConfigMsgRouter(fa fiber.Router, handler *hhttp.MsgHttpHandler) {
	msgGrp := fa.Group("/msg")
	msgGrp.
		Post("/:convId", handler.HandleSend).
		Get("/:convId/history", handler.HandleHistory).
		Post("/:convId/read", handler.HandleMarkRead).
		Put("/:convId/:msgId", handler.HandleEdit).
		Delete("/:convId/:msgId", handler.HandleDelete).
		Post("/:convId/:msgId/pin", handler.HandleTogglePin).
		Post("/:convId/:msgId/reaction", handler.HandleToggleReaction)

	fa.Post("/media", handler.HandleUpload)
	fa.Get("/streak/:key", handler.HandleStreak)
}

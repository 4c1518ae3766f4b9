package rhttp

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/handlers/hhttp"
)

func ConfigConvRouter(fa fiber.Router, handler *hhttp.ConvHttpHandler) {
	convGrp := fa.Group("/conv")
	convGrp.
		Post("/direct", handler.HandleStartDirect).
		Get("/list", handler.HandleConvList).
		Get("/:convId", handler.HandleGetConv).
		Post("/:convId/pin", handler.HandlePin).
		Post("/:convId/mute", handler.HandleMute).
		Post("/:convId/archive", handler.HandleArchive).
		Post("/:convId/answer", handler.HandleAnswerRequest).
		Delete("/:convId", handler.HandleDelete)

	fa.Group("/follow").
		Post("/:uid", handler.HandleFollow).
		Delete("/:uid", handler.HandleUnfollow)
}

func ConfigGroupRouter(fa fiber.Router, handler *hhttp.ConvHttpHandler) {
	grpGrp := fa.Group("/group")
	grpGrp.
		Post("/start_chat", handler.HandleStartGroup).
		Post("/join", handler.HandleJoin).
		Post("/:convId/admins", handler.HandleAddAdmin).
		Delete("/:convId/admins/:uid", handler.HandleRemoveAdmin).
		Post("/:convId/members", handler.HandleAddMembers).
		Delete("/:convId/members/:uid", handler.HandleRemoveMember).
		Post("/:convId/invite", handler.HandleInvite)

	fa.Post("/broadcast/start", handler.HandleStartBroadcast)
}

package routers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/handlers/hhttp"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/routers/rhttp"
)

type ChatServerRouteBinder struct {
	convHandler *hhttp.ConvHttpHandler
	msgHandler  *hhttp.MsgHttpHandler
	gatherer    prometheus.Gatherer
	mediaPrefix string
	mediaDir    string
}

func NewChatServerRouteBinder(
	convHandler *hhttp.ConvHttpHandler,
	msgHandler *hhttp.MsgHttpHandler,
	gatherer prometheus.Gatherer,
	mediaPrefix string,
	mediaDir string,
) *ChatServerRouteBinder {
	return &ChatServerRouteBinder{
		convHandler: convHandler,
		msgHandler:  msgHandler,
		gatherer:    gatherer,
		mediaPrefix: mediaPrefix,
		mediaDir:    mediaDir,
	}
}

func (csr *ChatServerRouteBinder) BindFiber(fa *fiber.App) {
	fa.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(csr.gatherer, promhttp.HandlerOpts{})))
	fa.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	if csr.mediaDir != "" {
		fa.Static(csr.mediaPrefix, csr.mediaDir)
	}

	api := fa.Group("/api", hhttp.RequireUid)
	rhttp.ConfigConvRouter(api, csr.convHandler)
	rhttp.ConfigGroupRouter(api, csr.convHandler)
	rhttp.ConfigMsgRouter(api, csr.msgHandler)
}

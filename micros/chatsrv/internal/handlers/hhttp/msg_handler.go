package hhttp

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/pkg/myerr"
)

type MsgHttpHandler struct {
	mm     core.MsgManager
	cm     core.ConvManager
	streak core.StreakManager
	// upload body cap in bytes
	maxMedia int
}

func NewMsgHttpHandler(mm core.MsgManager, cm core.ConvManager, streak core.StreakManager, maxMedia int) *MsgHttpHandler {
	return &MsgHttpHandler{
		mm:       mm,
		cm:       cm,
		streak:   streak,
		maxMedia: maxMedia,
	}
}

type SendMsgReq struct {
	ClientId  string               `json:"clientId"`
	Content   msgmodel.MsgContent  `json:"content"`
	ReplyTo   *msgmodel.ReplyRef   `json:"replyTo,omitempty"`
	ForwardOf *msgmodel.ForwardRef `json:"forwardOf,omitempty"`
}

type SendMsgResp struct {
	MsgId int64 `json:"msgId,string"`
}

func (mhh *MsgHttpHandler) HandleSend(c *fiber.Ctx) error {
	var req SendMsgReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	msgId, err := mhh.mm.Send(c.UserContext(), core.SendParam{
		ConvId:    c.Params("convId"),
		Sender:    uidOf(c),
		ClientId:  req.ClientId,
		Content:   req.Content,
		ReplyTo:   req.ReplyTo,
		ForwardOf: req.ForwardOf,
	})
	if err != nil {
		return err
	}

	return respond(c, SendMsgResp{MsgId: msgId})
}

// 历史消息, 只返回当前用户可见的
func (mhh *MsgHttpHandler) HandleHistory(c *fiber.Ctx) error {
	beforeTs, err := queryInt64(c, "beforeTs")
	if err != nil {
		return err
	}

	convId, uid := c.Params("convId"), uidOf(c)
	conv, err := mhh.cm.Get(c.UserContext(), convId)
	if err != nil {
		return err
	}
	if !conv.IsMember(uid) {
		return erespcode.NewMebNotInGroupErr()
	}

	msgs, err := mhh.mm.LoadVisiblePage(c.UserContext(), convId, uid, beforeTs, c.QueryInt("pageSize"))
	if err != nil {
		return err
	}

	return respond(c, msgs)
}

func (mhh *MsgHttpHandler) HandleDelete(c *fiber.Ctx) error {
	msgId, err := paramMsgId(c)
	if err != nil {
		return err
	}

	convId := c.Params("convId")
	switch scope := c.Query("scope", "self"); scope {
	case "self":
		err = mhh.mm.DeleteForSelf(c.UserContext(), convId, msgId, uidOf(c))
	case "all":
		err = mhh.mm.DeleteForAll(c.UserContext(), convId, msgId, uidOf(c))
	default:
		return myerr.Invalid("", "unknown delete scope %q", scope)
	}
	if err != nil {
		return err
	}

	return respondOk(c)
}

type EditMsgReq struct {
	Text string `json:"text"`
}

func (mhh *MsgHttpHandler) HandleEdit(c *fiber.Ctx) error {
	msgId, err := paramMsgId(c)
	if err != nil {
		return err
	}

	var req EditMsgReq
	if err = parseBody(c, &req); err != nil {
		return err
	}

	if err = mhh.mm.Edit(c.UserContext(), c.Params("convId"), msgId, uidOf(c), req.Text); err != nil {
		return err
	}
	return respondOk(c)
}

type ToggleResp struct {
	On bool `json:"on"`
}

func (mhh *MsgHttpHandler) HandleTogglePin(c *fiber.Ctx) error {
	msgId, err := paramMsgId(c)
	if err != nil {
		return err
	}

	on, err := mhh.mm.TogglePin(c.UserContext(), c.Params("convId"), msgId, uidOf(c))
	if err != nil {
		return err
	}
	return respond(c, ToggleResp{On: on})
}

type ReactionReq struct {
	Emoji string `json:"emoji"`
}

func (mhh *MsgHttpHandler) HandleToggleReaction(c *fiber.Ctx) error {
	msgId, err := paramMsgId(c)
	if err != nil {
		return err
	}

	var req ReactionReq
	if err = parseBody(c, &req); err != nil {
		return err
	}

	on, err := mhh.mm.ToggleReaction(c.UserContext(), c.Params("convId"), msgId, uidOf(c), req.Emoji)
	if err != nil {
		return err
	}
	return respond(c, ToggleResp{On: on})
}

type MarkReadReq struct {
	NearBottom bool `json:"nearBottom"`
}

type MarkReadResp struct {
	Moved bool `json:"moved"`
}

func (mhh *MsgHttpHandler) HandleMarkRead(c *fiber.Ctx) error {
	var req MarkReadReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	moved, err := mhh.mm.MarkRead(c.UserContext(), c.Params("convId"), uidOf(c), req.NearBottom)
	if err != nil {
		return err
	}
	return respond(c, MarkReadResp{Moved: moved})
}

type UploadResp struct {
	Url string `json:"url"`
}

// 上传媒体, body为原始字节, Content-Type必填
func (mhh *MsgHttpHandler) HandleUpload(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return myerr.Invalid("", "empty upload")
	}
	if mhh.maxMedia > 0 && len(body) > mhh.maxMedia {
		return myerr.Invalid("", "upload exceeds %d bytes", mhh.maxMedia)
	}

	// fasthttp reuses the body buffer after the handler returns
	data := append([]byte(nil), body...)

	url, err := mhh.mm.UploadMedia(c.UserContext(), data, c.Get(fiber.HeaderContentType))
	if err != nil {
		return err
	}
	return respond(c, UploadResp{Url: url})
}

func (mhh *MsgHttpHandler) HandleStreak(c *fiber.Ctx) error {
	st, err := mhh.streak.Get(c.UserContext(), c.Params("key"))
	if err != nil {
		return err
	}
	return respond(c, st)
}

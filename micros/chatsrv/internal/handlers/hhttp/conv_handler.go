package hhttp

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

type ConvHttpHandler struct {
	cm core.ConvManager
}

func NewConvHttpHandler(cm core.ConvManager) *ConvHttpHandler {
	return &ConvHttpHandler{
		cm: cm,
	}
}

type StartDirectReq struct {
	Other string `json:"other"`
}

type StartDirectResp struct {
	ConvId  string `json:"convId"`
	Created bool   `json:"created"`
}

// 发起单聊(不存在则创建)
func (chh *ConvHttpHandler) HandleStartDirect(c *fiber.Ctx) error {
	var req StartDirectReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	convId, created, err := chh.cm.FindOrCreateDirect(c.UserContext(), uidOf(c), req.Other)
	if err != nil {
		return err
	}

	return respond(c, StartDirectResp{ConvId: convId, Created: created})
}

func (chh *ConvHttpHandler) HandleGetConv(c *fiber.Ctx) error {
	conv, err := chh.cm.Get(c.UserContext(), c.Params("convId"))
	if err != nil {
		return err
	}

	if !conv.IsMember(uidOf(c)) {
		return erespcode.NewMebNotInGroupErr()
	}

	return respond(c, conv)
}

// 会话列表分页, beforeTs/beforeConvId为上一页最后一条的更新时间和会话id
func (chh *ConvHttpHandler) HandleConvList(c *fiber.Ctx) error {
	beforeTs, err := queryInt64(c, "beforeTs")
	if err != nil {
		return err
	}

	items, err := chh.cm.LoadOlderPageFrom(c.UserContext(), uidOf(c), beforeTs, c.Query("beforeConvId"), c.QueryInt("pageSize"))
	if err != nil {
		return err
	}

	return respond(c, items)
}

type FlagReq struct {
	On bool `json:"on"`
}

func (chh *ConvHttpHandler) HandlePin(c *fiber.Ctx) error {
	var req FlagReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := chh.cm.SetPinned(c.UserContext(), c.Params("convId"), uidOf(c), req.On); err != nil {
		return err
	}
	return respondOk(c)
}

func (chh *ConvHttpHandler) HandleMute(c *fiber.Ctx) error {
	var req FlagReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := chh.cm.SetMuted(c.UserContext(), c.Params("convId"), uidOf(c), req.On); err != nil {
		return err
	}
	return respondOk(c)
}

func (chh *ConvHttpHandler) HandleArchive(c *fiber.Ctx) error {
	if err := chh.cm.Archive(c.UserContext(), c.Params("convId"), uidOf(c)); err != nil {
		return err
	}
	return respondOk(c)
}

type AnswerRequestReq struct {
	Accept bool `json:"accept"`
}

// 接受/拒绝消息请求
func (chh *ConvHttpHandler) HandleAnswerRequest(c *fiber.Ctx) error {
	var req AnswerRequestReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := chh.cm.UpdateStatus(c.UserContext(), c.Params("convId"), uidOf(c), req.Accept); err != nil {
		return err
	}
	return respondOk(c)
}

func (chh *ConvHttpHandler) HandleDelete(c *fiber.Ctx) error {
	convId := c.Params("convId")
	if err := chh.cm.Delete(c.UserContext(), convId, uidOf(c)); err != nil {
		return err
	}

	lg := mylog.WithConv(convId)
	lg.Info().Str("actor", uidOf(c)).Msg("conversation deleted")

	return respondOk(c)
}

func (chh *ConvHttpHandler) HandleFollow(c *fiber.Ctx) error {
	if err := chh.cm.Follow(c.UserContext(), uidOf(c), c.Params("uid")); err != nil {
		return err
	}
	return respondOk(c)
}

func (chh *ConvHttpHandler) HandleUnfollow(c *fiber.Ctx) error {
	if err := chh.cm.Unfollow(c.UserContext(), uidOf(c), c.Params("uid")); err != nil {
		return err
	}
	return respondOk(c)
}

type StartGroupReq struct {
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

type CreatedResp struct {
	ConvId string `json:"convId"`
}

// 发起群聊(创建并加入群聊)
func (chh *ConvHttpHandler) HandleStartGroup(c *fiber.Ctx) error {
	var req StartGroupReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	convId, err := chh.cm.CreateGroup(c.UserContext(), uidOf(c), req.Title, req.Members)
	if err != nil {
		return err
	}

	return respond(c, CreatedResp{ConvId: convId})
}

func (chh *ConvHttpHandler) HandleStartBroadcast(c *fiber.Ctx) error {
	var req StartGroupReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	convId, err := chh.cm.CreateBroadcast(c.UserContext(), uidOf(c), req.Title)
	if err != nil {
		return err
	}

	return respond(c, CreatedResp{ConvId: convId})
}

type TargetReq struct {
	Uid string `json:"uid"`
}

func (chh *ConvHttpHandler) HandleAddAdmin(c *fiber.Ctx) error {
	var req TargetReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := chh.cm.AddGroupAdmin(c.UserContext(), c.Params("convId"), uidOf(c), req.Uid); err != nil {
		return err
	}
	return respondOk(c)
}

func (chh *ConvHttpHandler) HandleRemoveAdmin(c *fiber.Ctx) error {
	if err := chh.cm.RemoveGroupAdmin(c.UserContext(), c.Params("convId"), uidOf(c), c.Params("uid")); err != nil {
		return err
	}
	return respondOk(c)
}

type AddMembersReq struct {
	Uids []string `json:"uids"`
}

type AddMembersResp struct {
	Added []string `json:"added"`
}

func (chh *ConvHttpHandler) HandleAddMembers(c *fiber.Ctx) error {
	var req AddMembersReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	added, err := chh.cm.AddGroupMembers(c.UserContext(), c.Params("convId"), uidOf(c), req.Uids)
	if err != nil {
		return err
	}

	return respond(c, AddMembersResp{Added: added})
}

// 移除成员, uid为自己时即退群
func (chh *ConvHttpHandler) HandleRemoveMember(c *fiber.Ctx) error {
	if err := chh.cm.RemoveGroupMember(c.UserContext(), c.Params("convId"), uidOf(c), c.Params("uid")); err != nil {
		return err
	}
	return respondOk(c)
}

type InviteReq struct {
	TtlSeconds int64 `json:"ttlSeconds"`
}

func (chh *ConvHttpHandler) HandleInvite(c *fiber.Ctx) error {
	var req InviteReq
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return err
		}
	}

	inv, err := chh.cm.GenerateInviteLink(
		c.UserContext(),
		c.Params("convId"),
		uidOf(c),
		time.Duration(req.TtlSeconds)*time.Second,
	)
	if err != nil {
		return err
	}

	return respond(c, inv)
}

type JoinReq struct {
	Code string `json:"code"`
}

type JoinResp struct {
	ConvId        string `json:"convId"`
	AlreadyMember bool   `json:"alreadyMember"`
}

func (chh *ConvHttpHandler) HandleJoin(c *fiber.Ctx) error {
	var req JoinReq
	if err := parseBody(c, &req); err != nil {
		return err
	}

	convId, already, err := chh.cm.JoinViaInvite(c.UserContext(), req.Code, uidOf(c))
	if err != nil {
		return err
	}

	return respond(c, JoinResp{ConvId: convId, AlreadyMember: already})
}

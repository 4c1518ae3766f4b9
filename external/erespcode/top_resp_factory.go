package erespcode

import "github.com/sweemingdow/sdchat/pkg/myerr"

func NewConvNotFoundErr(convId string) error {
	return myerr.NotFound(ConvNotFound, "%s: %s", TopicText(ConvNotFound), convId)
}

func NewConvArchivedErr() error {
	return myerr.Permission(ConvArchived, "%s", TopicText(ConvArchived))
}

func NewConvRequestPendingErr() error {
	return myerr.Permission(ConvRequestPending, "%s", TopicText(ConvRequestPending))
}

func NewConvNotRecipientErr() error {
	return myerr.Permission(ConvNotRecipient, "%s", TopicText(ConvNotRecipient))
}

func NewConvBadStateErr(detail string) error {
	return myerr.Invalid(ConvBadState, "%s: %s", TopicText(ConvBadState), detail)
}

func NewMebNotInGroupErr() error {
	return myerr.Permission(GroupMebNotIn, "%s", TopicText(GroupMebNotIn))
}

func NewNotAdminErr() error {
	return myerr.Permission(GroupNotAdmin, "%s", TopicText(GroupNotAdmin))
}

func NewCreatorFixedErr() error {
	return myerr.Permission(GroupCreatorFixed, "%s", TopicText(GroupCreatorFixed))
}

func NewGroupFullErr() error {
	return myerr.Invalid(GroupFull, "%s", TopicText(GroupFull))
}

func NewInviteExpiredErr() error {
	return myerr.Invalid(GroupInviteExpired, "%s", TopicText(GroupInviteExpired))
}

func NewInviteNotFoundErr() error {
	return myerr.NotFound(GroupInviteNotFound, "%s", TopicText(GroupInviteNotFound))
}

func NewBroadcastAdminOnlyErr() error {
	return myerr.Permission(BroadcastAdminOnly, "%s", TopicText(BroadcastAdminOnly))
}

func NewInvalidMembersErr(detail string) error {
	return myerr.Invalid(GroupInvalidMembers, "%s: %s", TopicText(GroupInvalidMembers), detail)
}

func NewOperatorNotAllowedErr(detail string) error {
	return myerr.Permission(GroupInvalidOperator, "%s: %s", TopicText(GroupInvalidOperator), detail)
}

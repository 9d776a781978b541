package domain

// Record field names shared by the writers and the projector.
const (
	FieldSenderID     = "senderId"
	FieldSenderUID    = "senderUid"
	FieldRecipientID  = "recipientId"
	FieldRecipientUID = "recipientUid"
	FieldText         = "text"
	FieldCreatedAt    = "createdAt"
	FieldUpdatedAt    = "updatedAt"
	FieldEdited       = "edited"
	FieldEditedAt     = "editedAt"
	FieldNarration    = "narration"
	FieldStarredBy    = "starredBy"
	FieldDeliveredBy  = "deliveredBy"
	FieldReadBy       = "readBy"
	FieldReactions    = "reactions"

	FieldParticipants   = "participants"
	FieldLastMessage    = "lastMessage"
	FieldPeerID         = "peerId"
	FieldConversationID = "conversationId"

	FieldUID              = "uid"
	FieldPublicID         = "publicId"
	FieldDisplayName      = "displayName"
	FieldDelaySendEnabled = "delaySendEnabled"
	FieldDelaySendSeconds = "delaySendSeconds"

	FieldTyping = "typing"
)

// Collection names.
const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
	CollectionRecents       = "recents"
	CollectionState         = "state"
	DocPresence             = "presence"
)

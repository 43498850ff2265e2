package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.io/infrasutra/mailgram/internal/content"
)

const me = "me"

// Mailbox is one authorized Gmail account.
type Mailbox struct {
	svc    *gmailv1.Service
	parent *Service
}

type Page struct {
	IDs           []string
	NextPageToken string
}

type Message struct {
	ID           string
	LabelIDs     []string
	InternalDate int64
	Snippet      string
	Payload      *content.Part
}

type WatchResult struct {
	HistoryID  uint64
	Expiration time.Time
}

type History struct {
	AddedIDs  []string
	HistoryID uint64
}

type Profile struct {
	Email     string
	HistoryID uint64
}

func (m *Mailbox) List(ctx context.Context, query, pageToken string, limit int64) (Page, error) {
	call := m.svc.Users.Messages.List(me).Q(query).MaxResults(limit).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	var resp *gmailv1.ListMessagesResponse
	err := m.parent.execute("list messages", func() error {
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return Page{}, err
	}
	page := Page{NextPageToken: resp.NextPageToken, IDs: make([]string, 0, len(resp.Messages))}
	for _, msg := range resp.Messages {
		page.IDs = append(page.IDs, msg.Id)
	}
	return page, nil
}

// Metadata fetches the headers needed for list summaries.
func (m *Mailbox) Metadata(ctx context.Context, id string) (*Message, error) {
	call := m.svc.Users.Messages.Get(me, id).Format("metadata").
		MetadataHeaders("From", "Subject", "Date").Context(ctx)
	return m.get(call, "get message metadata")
}

func (m *Mailbox) Get(ctx context.Context, id string) (*Message, error) {
	return m.get(m.svc.Users.Messages.Get(me, id).Format("full").Context(ctx), "get message")
}

func (m *Mailbox) get(call *gmailv1.UsersMessagesGetCall, op string) (*Message, error) {
	var msg *gmailv1.Message
	err := m.parent.execute(op, func() error {
		var err error
		msg, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

func (m *Mailbox) Modify(ctx context.Context, id string, add, remove []string) error {
	req := &gmailv1.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	return m.parent.execute("modify message", func() error {
		_, err := m.svc.Users.Messages.Modify(me, id, req).Context(ctx).Do()
		return err
	})
}

func (m *Mailbox) BatchModify(ctx context.Context, ids []string, add, remove []string) error {
	if len(ids) == 0 {
		return nil
	}
	req := &gmailv1.BatchModifyMessagesRequest{Ids: ids, AddLabelIds: add, RemoveLabelIds: remove}
	return m.parent.execute("batch modify messages", func() error {
		return m.svc.Users.Messages.BatchModify(me, req).Context(ctx).Do()
	})
}

func (m *Mailbox) Trash(ctx context.Context, id string) error {
	return m.parent.execute("trash message", func() error {
		_, err := m.svc.Users.Messages.Trash(me, id).Context(ctx).Do()
		return err
	})
}

func (m *Mailbox) Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmailv1.MessagePartBody
	err := m.parent.execute("get attachment", func() error {
		var err error
		body, err = m.svc.Users.Messages.Attachments.Get(me, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
	if err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return data, nil
}

// Watch subscribes the inbox to push notifications on the configured
// topic. Google expires a watch after seven days.
func (m *Mailbox) Watch(ctx context.Context) (WatchResult, error) {
	if m.parent.topic == "" {
		return WatchResult{}, errors.New("watch mailbox: no pub/sub topic configured")
	}
	req := &gmailv1.WatchRequest{
		TopicName:           m.parent.topic,
		LabelIds:            []string{"INBOX"},
		LabelFilterBehavior: "include",
	}
	var resp *gmailv1.WatchResponse
	err := m.parent.execute("watch mailbox", func() error {
		var err error
		resp, err = m.svc.Users.Watch(me, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return WatchResult{}, err
	}
	return WatchResult{HistoryID: resp.HistoryId, Expiration: time.UnixMilli(resp.Expiration)}, nil
}

func (m *Mailbox) Stop(ctx context.Context) error {
	return m.parent.execute("stop watch", func() error {
		return m.svc.Users.Stop(me).Context(ctx).Do()
	})
}

// History returns inbox messages added since startID. A startID Google no
// longer retains yields ErrNotFound.
func (m *Mailbox) History(ctx context.Context, startID uint64) (History, error) {
	out := History{HistoryID: startID}
	seen := map[string]bool{}
	call := m.svc.Users.History.List(me).StartHistoryId(startID).
		HistoryTypes("messageAdded").LabelId("INBOX")
	err := m.parent.execute("list history", func() error {
		return call.Pages(ctx, func(resp *gmailv1.ListHistoryResponse) error {
			if resp.HistoryId > out.HistoryID {
				out.HistoryID = resp.HistoryId
			}
			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil || seen[added.Message.Id] {
						continue
					}
					seen[added.Message.Id] = true
					out.AddedIDs = append(out.AddedIDs, added.Message.Id)
				}
			}
			return nil
		})
	})
	if err != nil {
		return History{}, err
	}
	return out, nil
}

func (m *Mailbox) Profile(ctx context.Context) (Profile, error) {
	var resp *gmailv1.Profile
	err := m.parent.execute("get profile", func() error {
		var err error
		resp, err = m.svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return Profile{}, err
	}
	return Profile{Email: strings.ToLower(resp.EmailAddress), HistoryID: resp.HistoryId}, nil
}

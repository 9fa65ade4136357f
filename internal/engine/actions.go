package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/abubuhammad/georgy-realtime/internal/dispatch"
	"github.com/abubuhammad/georgy-realtime/internal/notify"
	"github.com/abubuhammad/georgy-realtime/internal/store"
	"github.com/abubuhammad/georgy-realtime/pkg/pipeline"
	"github.com/abubuhammad/georgy-realtime/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	previewRunes   = 100
	markAllReadKey = "all"
)

// reserved room prefixes are only joined by the server itself.
var reservedPrefixes = []string{"user:", "role:", "delivery:", "admin:"}

type commands struct {
	dispatcher    *dispatch.Dispatcher
	chats         ChatStore
	notifications NotificationStore
	deliveries    DeliveryStore
	offline       OfflineNotifier
	now           func() time.Time
}

type messageView struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"roomId"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName,omitempty"`
	Content    string          `json:"content"`
	Type       string          `json:"type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type notificationView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

func requireString(p gjson.Result, field string) (string, error) {
	v := p.Get(field)
	if v.Type != gjson.String || strings.TrimSpace(v.Str) == "" {
		return "", invalidPayload("%s is required", field)
	}
	return strings.TrimSpace(v.Str), nil
}

func requireChatRoom(p gjson.Result) (string, error) {
	roomID, err := requireString(p, "roomId")
	if err != nil {
		return "", err
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(roomID, prefix) {
			return "", NewCommandError(CodeForbidden, "room '"+roomID+"' cannot be joined directly")
		}
	}
	return roomID, nil
}

// preview shortens content to at most previewRunes runes.
func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes-3]) + "..."
}

func (c *commands) reply(cargo *pipeline.Cargo, event string, payload any) error {
	_, err := c.dispatcher.ToConnection(cargo.Connection.ID, event, payload)
	return err
}

func (c *commands) joinRoom(cargo *pipeline.Cargo) error {
	p := gjson.ParseBytes(cargo.Payload)
	roomID, err := requireChatRoom(p)
	if err != nil {
		return err
	}
	id := cargo.Identity

	added, err := cargo.StateManager.Join(id.UserID, roomID)
	if err != nil {
		return fmt.Errorf("failed to join user '%s' to room '%s': %w", id.UserID, roomID, err)
	}
	if added {
		cargo.Logger.Info("User joined room", slog.String("roomID", roomID))
		_, err := c.dispatcher.ToRoom(roomID, "user_joined", map[string]string{
			"roomId":      roomID,
			"userId":      id.UserID,
			"displayName": id.DisplayName,
		}, dispatch.ExceptUser(id.UserID))
		if err != nil {
			return err
		}
	}
	return c.reply(cargo, "room_joined", map[string]any{
		"roomId":  roomID,
		"members": cargo.StateManager.MembersOf(roomID),
		"typing":  cargo.StateManager.TypingIn(roomID),
	})
}

func (c *commands) leaveRoom(cargo *pipeline.Cargo) error {
	p := gjson.ParseBytes(cargo.Payload)
	roomID, err := requireChatRoom(p)
	if err != nil {
		return err
	}
	userID := cargo.Identity.UserID

	if cargo.StateManager.Leave(userID, roomID) {
		cargo.Logger.Info("User left room", slog.String("roomID", roomID))
		_, err := c.dispatcher.ToRoom(roomID, "user_left", map[string]string{
			"roomId": roomID,
			"userId": userID,
		})
		if err != nil {
			return err
		}
	}
	return c.reply(cargo, "room_left", map[string]string{"roomId": roomID})
}

func (c *commands) sendMessage(cargo *pipeline.Cargo) error {
	p := gjson.ParseBytes(cargo.Payload)
	roomID, err := requireString(p, "roomId")
	if err != nil {
		return err
	}
	content, err := requireString(p, "content")
	if err != nil {
		return err
	}
	msgType := "text"
	if t := p.Get("type"); t.Exists() {
		if t.Type != gjson.String || t.Str == "" {
			return invalidPayload("type must be a non-empty string")
		}
		msgType = t.Str
	}
	var metadata json.RawMessage
	if m := p.Get("metadata"); m.Exists() && m.Type != gjson.Null {
		if !m.IsObject() {
			return invalidPayload("metadata must be an object")
		}
		metadata = json.RawMessage(m.Raw)
	}
	id := cargo.Identity
	ctx := cargo.Ctx

	chat, err := c.chats.GetChat(ctx, roomID)
	if err != nil {
		return storeError(err, "chat")
	}
	if !chat.HasParticipant(id.UserID) {
		return storeError(store.ErrNotParticipant, "chat")
	}

	// sending ends the sender's typing state; not restored if persisting fails
	if cargo.StateManager.SetTyping(id.UserID, roomID, false) {
		c.broadcastTyping(cargo, roomID, false)
	}

	msg := &store.Message{
		ID:        uuid.NewString(),
		ChatID:    roomID,
		SenderID:  id.UserID,
		Content:   content,
		Type:      msgType,
		Metadata:  string(metadata),
		CreatedAt: c.now().UTC(),
	}
	if err := c.chats.CreateMessage(ctx, msg); err != nil {
		return storeError(err, "message")
	}

	if _, err := c.dispatcher.ToRoom(roomID, "new_message", messageView{
		ID:         msg.ID,
		RoomID:     roomID,
		SenderID:   id.UserID,
		SenderName: id.DisplayName,
		Content:    content,
		Type:       msgType,
		Metadata:   metadata,
		CreatedAt:  msg.CreatedAt,
	}); err != nil {
		return err
	}

	if recipient := chat.OtherParticipant(id.UserID); recipient != "" {
		c.notifyRecipient(cargo, recipient, roomID, msg)
	}
	return c.reply(cargo, "message_sent", map[string]string{"roomId": roomID, "messageId": msg.ID})
}

// notifyRecipient stores a notification for the other participant and pushes
// it live, or hands it to the offline notifier. The message is already
// committed at this point so failures are only logged.
func (c *commands) notifyRecipient(cargo *pipeline.Cargo, recipient, roomID string, msg *store.Message) {
	sender := cargo.Identity.DisplayName
	if sender == "" {
		sender = "someone"
	}
	data := map[string]any{"chatId": roomID, "messageId": msg.ID, "senderId": msg.SenderID}
	rawData, _ := json.Marshal(data)

	n := &store.Notification{
		ID:        uuid.NewString(),
		UserID:    recipient,
		Kind:      "new_message",
		Title:     "New message from " + sender,
		Body:      preview(msg.Content),
		Data:      string(rawData),
		CreatedAt: msg.CreatedAt,
	}
	if err := c.notifications.CreateNotification(cargo.Ctx, n); err != nil {
		cargo.Logger.Warn("Failed to persist message notification", slog.String("recipient", recipient), slog.Any("error", err))
	}

	if c.dispatcher.IsUserConnected(recipient) {
		_, err := c.dispatcher.ToUser(recipient, "notification", notificationView{
			ID:        n.ID,
			Kind:      n.Kind,
			Title:     n.Title,
			Body:      n.Body,
			Data:      rawData,
			CreatedAt: n.CreatedAt,
		})
		if err != nil {
			cargo.Logger.Warn("Failed to push notification", slog.String("recipient", recipient), slog.Any("error", err))
		}
		return
	}

	err := c.offline.NotifyOffline(cargo.Ctx, notify.OfflineNotice{
		UserID:    recipient,
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		Data:      data,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		cargo.Logger.Warn("Offline notification failed", slog.String("recipient", recipient), slog.Any("error", err))
	}
}

func (c *commands) broadcastTyping(cargo *pipeline.Cargo, roomID string, isTyping bool) {
	id := cargo.Identity
	_, err := c.dispatcher.ToRoom(roomID, "typing", map[string]any{
		"roomId":      roomID,
		"userId":      id.UserID,
		"displayName": id.DisplayName,
		"isTyping":    isTyping,
	}, dispatch.ExceptUser(id.UserID))
	if err != nil {
		cargo.Logger.Warn("Failed to broadcast typing", slog.Any("error", err))
	}
}

func (c *commands) typing(cargo *pipeline.Cargo) error {
	p := gjson.ParseBytes(cargo.Payload)
	roomID, err := requireString(p, "roomId")
	if err != nil {
		return err
	}
	flag := p.Get("isTyping")
	if flag.Type != gjson.True && flag.Type != gjson.False {
		return invalidPayload("isTyping must be a boolean")
	}
	userID := cargo.Identity.UserID
	if !slices.Contains(cargo.StateManager.RoomsOf(userID), roomID) {
		return NewCommandError(CodeNotParticipant, "join the room before typing in it")
	}

	if cargo.StateManager.SetTyping(userID, roomID, flag.Bool()) {
		c.broadcastTyping(cargo, roomID, flag.Bool())
	}
	return nil
}

type deliverySnapshot struct {
	DeliveryID string             `json:"deliveryId"`
	Status     string             `json:"status"`
	AgentID    string             `json:"agentId,omitempty"`
	Location   *state.LocationFix `json:"location,omitempty"`
}

func (c *commands) trackDelivery(cargo *pipeline.Cargo) error {
	p := gjson.ParseBytes(cargo.Payload)
	deliveryID, err := requireString(p, "deliveryId")
	if err != nil {
		return err
	}
	userID := cargo.Identity.UserID

	room := state.DeliveryRoom(deliveryID)
	if _, err := cargo.StateManager.Join(userID, room); err != nil {
		return fmt.Errorf("failed to join user '%s' to room '%s': %w", userID, room, err)
	}

	delivery, err := c.deliveries.GetDelivery(cargo.Ctx, deliveryID)
	if err != nil {
		return storeError(err, "delivery")
	}

	snapshot := deliverySnapshot{DeliveryID: deliveryID, Status: delivery.Status, AgentID: delivery.AgentID}
	if delivery.AgentID != "" {
		if fix, ok := cargo.StateManager.LocationOf(delivery.AgentID); ok {
			snapshot.Location = &fix
		}
	}
	return c.reply(cargo, "delivery_snapshot", snapshot)
}

func (c *commands) stopTracking(cargo *pipeline.Cargo) error {
	p := gjson.ParseBytes(cargo.Payload)
	deliveryID, err := requireString(p, "deliveryId")
	if err != nil {
		return err
	}
	cargo.StateManager.Leave(cargo.Identity.UserID, state.DeliveryRoom(deliveryID))
	return c.reply(cargo, "tracking_stopped", map[string]string{"deliveryId": deliveryID})
}

func optionalNumber(p gjson.Result, field string) (float64, error) {
	v := p.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		return 0, nil
	}
	if v.Type != gjson.Number {
		return 0, invalidPayload("%s must be a number", field)
	}
	return v.Num, nil
}

func (c *commands) agentLocationUpdate(cargo *pipeline.Cargo) error {
	id := cargo.Identity
	if !id.Permissions.Has(state.PermPublishLocation) {
		cargo.Logger.Warn("Ignoring location update from identity without publish_location",
			slog.String("role", string(id.Role)))
		return nil
	}

	p := gjson.ParseBytes(cargo.Payload)
	lat, lng := p.Get("lat"), p.Get("lng")
	if lat.Type != gjson.Number || lng.Type != gjson.Number {
		return invalidPayload("lat and lng are required numbers")
	}
	if math.Abs(lat.Num) > 90 || math.Abs(lng.Num) > 180 {
		return invalidPayload("coordinates out of range")
	}

	fix := state.LocationFix{
		AgentID:   id.UserID,
		Lat:       lat.Num,
		Lng:       lng.Num,
		Timestamp: c.now().UTC(),
	}
	var err error
	if fix.Accuracy, err = optionalNumber(p, "accuracy"); err != nil {
		return err
	}
	if fix.Heading, err = optionalNumber(p, "heading"); err != nil {
		return err
	}
	if fix.Speed, err = optionalNumber(p, "speed"); err != nil {
		return err
	}
	if d := p.Get("deliveryId"); d.Exists() && d.Type != gjson.Null {
		if d.Type != gjson.String {
			return invalidPayload("deliveryId must be a string")
		}
		fix.DeliveryID = d.Str
	}
	if eta := p.Get("eta"); eta.Exists() && eta.Type != gjson.Null {
		t, err := time.Parse(time.RFC3339, eta.String())
		if err != nil {
			return invalidPayload("eta must be an RFC 3339 timestamp")
		}
		t = t.UTC()
		fix.ETA = &t
	}

	cargo.StateManager.UpdateLocation(fix)

	if fix.DeliveryID != "" {
		if _, err := c.dispatcher.ToRoom(state.DeliveryRoom(fix.DeliveryID), "location_update", fix); err != nil {
			return err
		}
	}
	_, err = c.dispatcher.ToRoom(state.AdminMonitoringRoom, "location_update", fix)
	return err
}

func (c *commands) markRead(cargo *pipeline.Cargo) error {
	p := gjson.ParseBytes(cargo.Payload)
	notificationID, err := requireString(p, "notificationId")
	if err != nil {
		return err
	}
	userID := cargo.Identity.UserID
	origin := dispatch.ExceptConnection(cargo.Connection.ID)

	if notificationID == markAllReadKey {
		count, err := c.notifications.MarkAllRead(cargo.Ctx, userID)
		if err != nil {
			return storeError(err, "notifications")
		}
		payload := map[string]int64{"count": count}
		if _, err := c.dispatcher.ToUser(userID, "all_marked_read", payload, origin); err != nil {
			return err
		}
		return c.reply(cargo, "mark_read_ack", map[string]any{"notificationId": markAllReadKey, "count": count})
	}

	if err := c.notifications.MarkRead(cargo.Ctx, userID, notificationID); err != nil {
		return storeError(err, "notification")
	}
	payload := map[string]string{"notificationId": notificationID}
	if _, err := c.dispatcher.ToUser(userID, "marked_read", payload, origin); err != nil {
		return err
	}
	return c.reply(cargo, "mark_read_ack", payload)
}

func (c *commands) getLocations(cargo *pipeline.Cargo) error {
	all := cargo.StateManager.AllLocations()
	fixes := make([]state.LocationFix, 0, len(all))
	for _, fix := range all {
		fixes = append(fixes, fix)
	}
	sort.Slice(fixes, func(i, j int) bool { return fixes[i].AgentID < fixes[j].AgentID })
	return c.reply(cargo, "locations_snapshot", map[string]any{"locations": fixes})
}

func (c *commands) ping(cargo *pipeline.Cargo) error {
	return c.reply(cargo, "pong", map[string]string{"timestamp": c.now().UTC().Format(time.RFC3339Nano)})
}

package hub

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"slidecast/internal/app"
)

type fakeService struct {
	joinFn               func(ctx context.Context, presentationID, nickname, ticket, connectionID string) (app.UserDTO, error)
	userByConnectionFn   func(ctx context.Context, connectionID string) (app.UserDTO, error)
	rosterFn             func(ctx context.Context, presentationID string) ([]app.UserDTO, error)
	disconnectFn         func(ctx context.Context, connectionID string) (app.UserDTO, bool, error)
	touchFn              func(ctx context.Context, connectionID string) error
	changeUserRoleFn     func(ctx context.Context, requesterUserID, targetUserID string, newRole int) error
	canEditFn            func(ctx context.Context, presentationID, userID string) (bool, error)
	upsertElementFn      func(ctx context.Context, presentationID, elementID, slideID string, spec app.ElementSpec) (app.ElementDTO, error)
	deleteElementFn      func(ctx context.Context, presentationID, elementID string) (bool, error)
	addSlideFn           func(ctx context.Context, presentationID string) (app.SlideDTO, error)
	deleteSlideFn        func(ctx context.Context, slideID, requestingUserID string) (bool, error)
	disconnectInactiveFn func(ctx context.Context) ([]app.ReapedSession, error)
}

func (f *fakeService) Join(ctx context.Context, presentationID, nickname, ticket, connectionID string) (app.UserDTO, error) {
	if f.joinFn != nil {
		return f.joinFn(ctx, presentationID, nickname, ticket, connectionID)
	}
	return app.UserDTO{}, errors.New("join not configured")
}
func (f *fakeService) UserByConnection(ctx context.Context, connectionID string) (app.UserDTO, error) {
	if f.userByConnectionFn != nil {
		return f.userByConnectionFn(ctx, connectionID)
	}
	return app.UserDTO{}, errors.New("no session")
}
func (f *fakeService) Roster(ctx context.Context, presentationID string) ([]app.UserDTO, error) {
	if f.rosterFn != nil {
		return f.rosterFn(ctx, presentationID)
	}
	return []app.UserDTO{}, nil
}
func (f *fakeService) Disconnect(ctx context.Context, connectionID string) (app.UserDTO, bool, error) {
	if f.disconnectFn != nil {
		return f.disconnectFn(ctx, connectionID)
	}
	return app.UserDTO{}, false, nil
}
func (f *fakeService) Touch(ctx context.Context, connectionID string) error {
	if f.touchFn != nil {
		return f.touchFn(ctx, connectionID)
	}
	return nil
}
func (f *fakeService) ChangeUserRole(ctx context.Context, requesterUserID, targetUserID string, newRole int) error {
	if f.changeUserRoleFn != nil {
		return f.changeUserRoleFn(ctx, requesterUserID, targetUserID, newRole)
	}
	return nil
}
func (f *fakeService) CanEdit(ctx context.Context, presentationID, userID string) (bool, error) {
	if f.canEditFn != nil {
		return f.canEditFn(ctx, presentationID, userID)
	}
	return false, nil
}
func (f *fakeService) UpsertElement(ctx context.Context, presentationID, elementID, slideID string, spec app.ElementSpec) (app.ElementDTO, error) {
	if f.upsertElementFn != nil {
		return f.upsertElementFn(ctx, presentationID, elementID, slideID, spec)
	}
	return app.ElementDTO{}, errors.New("upsert not configured")
}
func (f *fakeService) DeleteElement(ctx context.Context, presentationID, elementID string) (bool, error) {
	if f.deleteElementFn != nil {
		return f.deleteElementFn(ctx, presentationID, elementID)
	}
	return false, nil
}
func (f *fakeService) AddSlide(ctx context.Context, presentationID string) (app.SlideDTO, error) {
	if f.addSlideFn != nil {
		return f.addSlideFn(ctx, presentationID)
	}
	return app.SlideDTO{}, errors.New("add slide not configured")
}
func (f *fakeService) DeleteSlide(ctx context.Context, slideID, requestingUserID string) (bool, error) {
	if f.deleteSlideFn != nil {
		return f.deleteSlideFn(ctx, slideID, requestingUserID)
	}
	return false, nil
}
func (f *fakeService) DisconnectInactive(ctx context.Context) ([]app.ReapedSession, error) {
	if f.disconnectInactiveFn != nil {
		return f.disconnectInactiveFn(ctx)
	}
	return nil, nil
}

// testClient builds a client without a live websocket. No pumps run, so
// every frame pushed at it stays in the send buffer for assertions.
func testClient(h *Hub, connectionID string) *Client {
	c := newClient(h, nil, connectionID)
	h.addConnection(c)
	return c
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// drainFrames empties the client's send buffer into decoded frames.
func drainFrames(t *testing.T, c *Client) []frame {
	t.Helper()
	var frames []frame
	for {
		select {
		case payload := <-c.send:
			var f frame
			if err := json.Unmarshal(payload, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func frameTypes(frames []frame) []string {
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.Type)
	}
	return types
}

func command(t *testing.T, cmdType string, payload any) Command {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Command{ID: "cmd-1", Type: cmdType, Data: data}
}

func member(id, presentationID, nickname string, role int) app.UserDTO {
	return app.UserDTO{ID: id, PresentationID: presentationID, Nickname: nickname, Role: role, IsConnected: true}
}

func TestJoinBroadcastsToGroupExceptJoiner(t *testing.T) {
	service := &fakeService{
		joinFn: func(ctx context.Context, presentationID, nickname, ticket, connectionID string) (app.UserDTO, error) {
			return member("user-2", presentationID, nickname, 0), nil
		},
		rosterFn: func(ctx context.Context, presentationID string) ([]app.UserDTO, error) {
			return []app.UserDTO{member("user-1", presentationID, "Alice", 2), member("user-2", presentationID, "Bob", 0)}, nil
		},
	}
	h := New(service)

	existing := testClient(h, "conn-1")
	h.joinGroup(existing, "pres-1")
	existing.setJoined("pres-1", "user-1")

	joiner := testClient(h, "conn-2")
	resp := h.dispatch(joiner, command(t, CmdJoinPresentation, JoinPayload{PresentationID: "pres-1", Nickname: "Bob"}))
	if !resp.Success {
		t.Fatalf("join failed: %s", resp.Message)
	}

	info, isInfo := resp.Data.(ConnectionInfo)
	if !isInfo || info.ConnectionID != "conn-2" || info.User.Nickname != "Bob" {
		t.Fatalf("unexpected response data: %+v", resp.Data)
	}

	got := frameTypes(drainFrames(t, existing))
	want := []string{EvtUserJoined, EvtUsersUpdated}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("existing member frames = %v, want %v", got, want)
	}

	// The joiner is excluded from its own UserJoined but gets the roster.
	got = frameTypes(drainFrames(t, joiner))
	if len(got) != 1 || got[0] != EvtUsersUpdated {
		t.Fatalf("joiner frames = %v, want [%s]", got, EvtUsersUpdated)
	}

	if members := h.membersOf("pres-1"); len(members) != 2 {
		t.Fatalf("group size = %d, want 2", len(members))
	}
}

func TestJoinSamePresentationIsIdempotent(t *testing.T) {
	joinCalls := 0
	service := &fakeService{
		joinFn: func(ctx context.Context, presentationID, nickname, ticket, connectionID string) (app.UserDTO, error) {
			joinCalls++
			return member("user-1", presentationID, nickname, 0), nil
		},
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Bob", 0), nil
		},
	}
	h := New(service)
	c := testClient(h, "conn-1")

	payload := JoinPayload{PresentationID: "pres-1", Nickname: "Bob"}
	if resp := h.dispatch(c, command(t, CmdJoinPresentation, payload)); !resp.Success {
		t.Fatalf("first join failed: %s", resp.Message)
	}
	drainFrames(t, c)

	resp := h.dispatch(c, command(t, CmdJoinPresentation, payload))
	if !resp.Success {
		t.Fatalf("rejoin failed: %s", resp.Message)
	}
	if resp.Message != "Already joined this presentation" {
		t.Fatalf("message = %q", resp.Message)
	}
	if joinCalls != 1 {
		t.Fatalf("join calls = %d, want 1: a rejoin must not attach twice", joinCalls)
	}
	// The rejoin refreshes only the caller's roster.
	got := frameTypes(drainFrames(t, c))
	if len(got) != 1 || got[0] != EvtUsersUpdated {
		t.Fatalf("rejoin frames = %v", got)
	}
}

func TestJoinOtherPresentationLeavesCurrent(t *testing.T) {
	service := &fakeService{
		joinFn: func(ctx context.Context, presentationID, nickname, ticket, connectionID string) (app.UserDTO, error) {
			return member("user-2", presentationID, nickname, 0), nil
		},
		disconnectFn: func(ctx context.Context, connectionID string) (app.UserDTO, bool, error) {
			return member("user-1", "pres-1", "Bob", 0), true, nil
		},
	}
	h := New(service)

	bystander := testClient(h, "conn-0")
	h.joinGroup(bystander, "pres-1")
	bystander.setJoined("pres-1", "user-0")

	mover := testClient(h, "conn-1")
	h.joinGroup(mover, "pres-1")
	mover.setJoined("pres-1", "user-1")

	resp := h.dispatch(mover, command(t, CmdJoinPresentation, JoinPayload{PresentationID: "pres-2", Nickname: "Bob"}))
	if !resp.Success {
		t.Fatalf("join failed: %s", resp.Message)
	}

	got := frameTypes(drainFrames(t, bystander))
	if len(got) < 1 || got[0] != EvtUserLeft {
		t.Fatalf("bystander frames = %v, want UserLeft first", got)
	}

	for _, id := range h.membersOf("pres-1") {
		if id == "conn-1" {
			t.Fatal("mover still in the old group")
		}
	}
	if members := h.membersOf("pres-2"); len(members) != 1 || members[0] != "conn-1" {
		t.Fatalf("pres-2 members = %v", members)
	}
}

func TestUpdateElementDeniedForViewer(t *testing.T) {
	upsertCalled := false
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Bob", 0), nil
		},
		canEditFn: func(ctx context.Context, presentationID, userID string) (bool, error) {
			return false, nil
		},
		upsertElementFn: func(ctx context.Context, presentationID, elementID, slideID string, spec app.ElementSpec) (app.ElementDTO, error) {
			upsertCalled = true
			return app.ElementDTO{}, nil
		},
	}
	h := New(service)
	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")

	resp := h.dispatch(c, command(t, CmdUpdateElement, UpdateElementPayload{SlideID: "slide-1"}))
	if resp.Success {
		t.Fatal("a viewer must not edit")
	}
	if resp.Message != "You don't have permission to edit" {
		t.Fatalf("message = %q", resp.Message)
	}
	if upsertCalled {
		t.Fatal("mutation reached the service despite the denial")
	}
	if frames := drainFrames(t, c); len(frames) != 0 {
		t.Fatalf("unexpected frames: %v", frameTypes(frames))
	}
}

func TestUpdateElementBroadcastsToWholeGroup(t *testing.T) {
	var containedTo string
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Bob", 1), nil
		},
		canEditFn: func(ctx context.Context, presentationID, userID string) (bool, error) {
			return true, nil
		},
		upsertElementFn: func(ctx context.Context, presentationID, elementID, slideID string, spec app.ElementSpec) (app.ElementDTO, error) {
			containedTo = presentationID
			return app.ElementDTO{ID: "el-1", SlideID: slideID, Content: spec.Content, ZIndex: 1}, nil
		},
	}
	h := New(service)

	editor := testClient(h, "conn-1")
	h.joinGroup(editor, "pres-1")
	watcher := testClient(h, "conn-2")
	h.joinGroup(watcher, "pres-1")

	resp := h.dispatch(editor, command(t, CmdUpdateElement, UpdateElementPayload{
		SlideID: "slide-1",
		Data:    app.ElementSpec{Content: "hello"},
	}))
	if !resp.Success {
		t.Fatalf("update failed: %s", resp.Message)
	}
	// The mutation is scoped to the caller's own presentation.
	if containedTo != "pres-1" {
		t.Fatalf("mutation scoped to %q, want pres-1", containedTo)
	}

	// Everyone sees the change, the editor included.
	for _, c := range []*Client{editor, watcher} {
		frames := drainFrames(t, c)
		if len(frames) != 1 || frames[0].Type != EvtElementUpdated {
			t.Fatalf("%s frames = %v, want [%s]", c.id, frameTypes(frames), EvtElementUpdated)
		}
		var payload ElementUpdatedPayload
		if err := json.Unmarshal(frames[0].Data, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Element.ID != "el-1" || payload.UpdatedBy != "Bob" || payload.SlideID != "slide-1" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	}
}

func TestDeleteElementMissing(t *testing.T) {
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Bob", 1), nil
		},
		canEditFn: func(ctx context.Context, presentationID, userID string) (bool, error) {
			return true, nil
		},
		deleteElementFn: func(ctx context.Context, presentationID, elementID string) (bool, error) {
			return false, nil
		},
	}
	h := New(service)
	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")

	resp := h.dispatch(c, command(t, CmdDeleteElement, DeleteElementPayload{ElementID: "gone"}))
	if resp.Success {
		t.Fatal("expected failure for a missing element")
	}
	if frames := drainFrames(t, c); len(frames) != 0 {
		t.Fatalf("unexpected frames: %v", frameTypes(frames))
	}
}

func TestChangeUserRoleRefreshesRoster(t *testing.T) {
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Alice", 2), nil
		},
	}
	h := New(service)
	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")

	resp := h.dispatch(c, command(t, CmdChangeUserRole, ChangeUserRolePayload{UserID: "user-2", NewRole: 1}))
	if !resp.Success {
		t.Fatalf("change role failed: %s", resp.Message)
	}
	got := frameTypes(drainFrames(t, c))
	if len(got) != 1 || got[0] != EvtUsersUpdated {
		t.Fatalf("frames = %v, want [%s]", got, EvtUsersUpdated)
	}
}

func TestAddSlideCreatorOnly(t *testing.T) {
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Bob", 1), nil
		},
	}
	h := New(service)
	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")

	resp := h.dispatch(c, command(t, CmdAddSlide, AddSlidePayload{PresentationID: "pres-1"}))
	if resp.Success {
		t.Fatal("an editor must not add slides")
	}
	if resp.Message != "Only the creator can add slides" {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestAddSlideBroadcasts(t *testing.T) {
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Alice", 2), nil
		},
		addSlideFn: func(ctx context.Context, presentationID string) (app.SlideDTO, error) {
			return app.SlideDTO{ID: "slide-2", PresentationID: presentationID, Order: 2}, nil
		},
	}
	h := New(service)
	creator := testClient(h, "conn-1")
	h.joinGroup(creator, "pres-1")
	watcher := testClient(h, "conn-2")
	h.joinGroup(watcher, "pres-1")

	resp := h.dispatch(creator, command(t, CmdAddSlide, AddSlidePayload{PresentationID: "pres-1"}))
	if !resp.Success {
		t.Fatalf("add slide failed: %s", resp.Message)
	}
	for _, c := range []*Client{creator, watcher} {
		got := frameTypes(drainFrames(t, c))
		if len(got) != 1 || got[0] != EvtSlideAdded {
			t.Fatalf("%s frames = %v, want [%s]", c.id, got, EvtSlideAdded)
		}
	}
}

func TestAddSlideWrongPresentation(t *testing.T) {
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Alice", 2), nil
		},
	}
	h := New(service)
	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")

	resp := h.dispatch(c, command(t, CmdAddSlide, AddSlidePayload{PresentationID: "pres-9"}))
	if resp.Success {
		t.Fatal("must not add slides to a presentation the user is not in")
	}
}

func TestDeleteSlideRefusal(t *testing.T) {
	service := &fakeService{
		userByConnectionFn: func(ctx context.Context, connectionID string) (app.UserDTO, error) {
			return member("user-1", "pres-1", "Alice", 2), nil
		},
		deleteSlideFn: func(ctx context.Context, slideID, requestingUserID string) (bool, error) {
			return false, nil
		},
	}
	h := New(service)
	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")

	resp := h.dispatch(c, command(t, CmdDeleteSlide, DeleteSlidePayload{SlideID: "slide-1"}))
	if resp.Success {
		t.Fatal("expected the delete to be refused")
	}
	if frames := drainFrames(t, c); len(frames) != 0 {
		t.Fatalf("a refused delete must not broadcast, got %v", frameTypes(frames))
	}
}

func TestUnknownCommand(t *testing.T) {
	h := New(&fakeService{})
	c := testClient(h, "conn-1")

	resp := h.dispatch(c, Command{ID: "cmd-1", Type: "Nope"})
	if resp.Success || resp.Message != "Unknown command" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ID != "cmd-1" {
		t.Fatalf("response id = %q, want echo of the command id", resp.ID)
	}
}

func TestDropConnectionRunsCleanupOnce(t *testing.T) {
	disconnects := 0
	service := &fakeService{
		disconnectFn: func(ctx context.Context, connectionID string) (app.UserDTO, bool, error) {
			disconnects++
			return member("user-1", "pres-1", "Bob", 0), true, nil
		},
	}
	h := New(service)

	bystander := testClient(h, "conn-0")
	h.joinGroup(bystander, "pres-1")

	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")
	c.setJoined("pres-1", "user-1")

	h.dropConnection(c)
	h.dropConnection(c)

	if disconnects != 1 {
		t.Fatalf("disconnect calls = %d, want 1", disconnects)
	}
	got := frameTypes(drainFrames(t, bystander))
	want := []string{EvtUserDisconnected, EvtUsersUpdated}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("bystander frames = %v, want %v", got, want)
	}
	for _, id := range h.membersOf("pres-1") {
		if id == "conn-1" {
			t.Fatal("dropped client still in group")
		}
	}
}

func TestEnqueueAfterDisconnectDoesNotPanic(t *testing.T) {
	service := &fakeService{
		disconnectFn: func(ctx context.Context, connectionID string) (app.UserDTO, bool, error) {
			return member("user-1", "pres-1", "Bob", 0), true, nil
		},
	}
	h := New(service)

	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")
	c.setJoined("pres-1", "user-1")

	// A concurrent broadcast snapshots its targets before the disconnect
	// completes. The late enqueue must be a quiet drop, not a panic.
	h.mu.RLock()
	target := h.groups["pres-1"]["conn-1"]
	h.mu.RUnlock()

	h.dropConnection(c)
	c.close()

	target.enqueue([]byte(`{"type":"UsersUpdated"}`))
}

func TestDropConnectionEvictsGroupDespiteStoreError(t *testing.T) {
	service := &fakeService{
		disconnectFn: func(ctx context.Context, connectionID string) (app.UserDTO, bool, error) {
			return app.UserDTO{}, false, errors.New("store down")
		},
	}
	h := New(service)

	c := testClient(h, "conn-1")
	h.joinGroup(c, "pres-1")
	c.setJoined("pres-1", "user-1")

	h.dropConnection(c)

	// The failed detach leaves the session for the janitor, but the dead
	// connection must stop being a fan-out target immediately.
	if members := h.membersOf("pres-1"); len(members) != 0 {
		t.Fatalf("group still holds %v after disconnect", members)
	}
	if _, _, isJoined := c.joined(); isJoined {
		t.Fatal("client still marked joined after disconnect")
	}
	if h.connection("conn-1") != nil {
		t.Fatal("connection still registered after disconnect")
	}
}

func TestDropNeverJoinedConnectionIsQuiet(t *testing.T) {
	h := New(&fakeService{})
	bystander := testClient(h, "conn-0")
	h.joinGroup(bystander, "pres-1")

	c := testClient(h, "conn-1")
	h.dropConnection(c)

	if frames := drainFrames(t, bystander); len(frames) != 0 {
		t.Fatalf("unexpected frames: %v", frameTypes(frames))
	}
}

func TestSweepReapsThroughBroadcastPath(t *testing.T) {
	service := &fakeService{
		disconnectInactiveFn: func(ctx context.Context) ([]app.ReapedSession, error) {
			return []app.ReapedSession{
				{User: member("user-2", "pres-1", "Idle", 0), ConnectionID: "conn-2"},
			}, nil
		},
	}
	h := New(service)

	active := testClient(h, "conn-1")
	h.joinGroup(active, "pres-1")
	active.setJoined("pres-1", "user-1")

	idle := testClient(h, "conn-2")
	h.joinGroup(idle, "pres-1")
	idle.setJoined("pres-1", "user-2")

	h.sweep(context.Background())

	got := frameTypes(drainFrames(t, active))
	want := []string{EvtUserDisconnected, EvtUsersUpdated}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("active member frames = %v, want %v", got, want)
	}

	// The reaped connection was evicted before the fan-out, so it saw
	// nothing.
	if frames := drainFrames(t, idle); len(frames) != 0 {
		t.Fatalf("reaped client frames = %v", frameTypes(frames))
	}
	if _, _, isJoined := idle.joined(); isJoined {
		t.Fatal("reaped client still marked joined")
	}
	for _, id := range h.membersOf("pres-1") {
		if id == "conn-2" {
			t.Fatal("reaped client still in group")
		}
	}
}

package dirsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakeResolver struct {
	mu           sync.Mutex
	tokenCalls   int
	resolveCalls int
	tokenErr     error
	users        map[string]*DirectoryUser
}

func (f *fakeResolver) AcquireToken(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.tokenErr != nil {
		return "", &CredentialError{Err: f.tokenErr}
	}
	return "token_abc", nil
}

func (f *fakeResolver) ResolveUser(_ context.Context, _ string, memberID string) (*DirectoryUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	user, ok := f.users[memberID]
	if !ok {
		return nil, &IdentityError{MemberID: memberID, Err: errors.New("not found")}
	}
	return user, nil
}

type fakeDirectory struct {
	mu          sync.Mutex
	accounts    map[Region][]RegionalAccount
	listCalls   map[Region]int
	createCalls map[Region]int
	deleteCalls map[Region]int
	failRegions map[Region]bool
	callLog     []string
}

func newFakeDirectory(regions ...Region) *fakeDirectory {
	f := &fakeDirectory{
		accounts:    map[Region][]RegionalAccount{},
		listCalls:   map[Region]int{},
		createCalls: map[Region]int{},
		deleteCalls: map[Region]int{},
		failRegions: map[Region]bool{},
	}
	for _, region := range regions {
		f.accounts[region] = nil
	}
	return f
}

func (f *fakeDirectory) ListUsers(_ context.Context, region Region) ([]RegionalAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[region]++
	f.callLog = append(f.callLog, fmt.Sprintf("list:%s", region))
	if f.failRegions[region] {
		return nil, &RegionalDirectoryError{Op: "list", Region: region, StatusCode: 503, Message: "unavailable"}
	}
	return append([]RegionalAccount(nil), f.accounts[region]...), nil
}

func (f *fakeDirectory) CreateUser(_ context.Context, region Region, account RegionalAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls[region]++
	f.callLog = append(f.callLog, fmt.Sprintf("create:%s:%s", region, account.PrimaryEmail))
	if f.failRegions[region] {
		return &RegionalDirectoryError{Op: "create", Region: region, Email: account.PrimaryEmail, StatusCode: 503}
	}
	f.accounts[region] = append(f.accounts[region], account)
	return nil
}

func (f *fakeDirectory) DeleteUser(_ context.Context, region Region, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls[region]++
	f.callLog = append(f.callLog, fmt.Sprintf("delete:%s:%s", region, email))
	if f.failRegions[region] {
		return &RegionalDirectoryError{Op: "delete", Region: region, Email: email, StatusCode: 503}
	}
	kept := f.accounts[region][:0]
	for _, account := range f.accounts[region] {
		if !strings.EqualFold(account.PrimaryEmail, email) {
			kept = append(kept, account)
		}
	}
	f.accounts[region] = kept
	return nil
}

func (f *fakeDirectory) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callLog)
}

func annLeeResolver() *fakeResolver {
	return &fakeResolver{users: map[string]*DirectoryUser{
		"u1": {
			ID:                "u1",
			DisplayName:       "Ann Lee",
			UserPrincipalName: "u1@example.com",
			GivenName:         "Ann",
			Surname:           "Lee",
		},
	}}
}

func newTestEngine(resolver IdentityResolver, directory RegionalDirectory, regions ...Region) *Engine {
	return NewEngine(Config{
		ClientState: "secret-state",
		Regions:     regions,
	}, resolver, directory, zap.NewNop())
}

func TestClientStateMismatchMakesNoCalls(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS, RegionEU)
	engine := newTestEngine(resolver, directory, RegionUS, RegionEU)

	_, err := engine.ProcessNotification(context.Background(), &ChangeNotification{
		ClientState: "wrong",
		MemberDelta: []MemberDeltaEntry{{MemberID: "u1"}},
	})
	if !errors.Is(err, ErrClientStateMismatch) {
		t.Fatalf("expected ErrClientStateMismatch, got %v", err)
	}
	if resolver.tokenCalls != 0 || resolver.resolveCalls != 0 {
		t.Fatalf("expected no identity calls, got token=%d resolve=%d", resolver.tokenCalls, resolver.resolveCalls)
	}
	if directory.totalCalls() != 0 {
		t.Fatalf("expected no directory calls, got %v", directory.callLog)
	}
}

func TestEmptyDeltaMakesNoCalls(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS)
	engine := newTestEngine(resolver, directory, RegionUS)

	stat, err := engine.ProcessNotification(context.Background(), &ChangeNotification{
		ClientState: "secret-state",
		ResourceID:  "group-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stat.Succeeded)+len(stat.Failed)+len(stat.Skipped) != 0 {
		t.Fatalf("expected empty stat, got %+v", stat)
	}
	if resolver.tokenCalls != 0 || directory.totalCalls() != 0 {
		t.Fatalf("expected no external calls on empty delta")
	}
}

func TestTokenFailureAbortsBeforeAnyMember(t *testing.T) {
	resolver := annLeeResolver()
	resolver.tokenErr = errors.New("invalid_client")
	directory := newFakeDirectory(RegionUS)
	engine := newTestEngine(resolver, directory, RegionUS)

	_, err := engine.ProcessNotification(context.Background(), &ChangeNotification{
		ClientState: "secret-state",
		MemberDelta: []MemberDeltaEntry{{MemberID: "u1"}},
	})
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected CredentialError, got %v", err)
	}
	if resolver.resolveCalls != 0 || directory.totalCalls() != 0 {
		t.Fatalf("expected no member processing after token failure")
	}
}

func TestAdditionIsIdempotentAcrossRuns(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS, RegionEU)
	engine := newTestEngine(resolver, directory, RegionUS, RegionEU)

	notification := &ChangeNotification{
		ClientState: "secret-state",
		MemberDelta: []MemberDeltaEntry{{MemberID: "u1"}},
	}
	for run := 0; run < 2; run++ {
		if _, err := engine.ProcessNotification(context.Background(), notification); err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
	}
	for _, region := range []Region{RegionUS, RegionEU} {
		if directory.createCalls[region] != 1 {
			t.Fatalf("expected exactly one create in %s, got %d", region, directory.createCalls[region])
		}
		if directory.listCalls[region] != 2 {
			t.Fatalf("expected one list per run in %s, got %d", region, directory.listCalls[region])
		}
	}
}

func TestRemovalOfAbsentUserMakesNoDeletes(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS, RegionEU)
	engine := newTestEngine(resolver, directory, RegionUS, RegionEU)

	notification := &ChangeNotification{
		ClientState: "secret-state",
		MemberDelta: []MemberDeltaEntry{{MemberID: "u1", Removed: true}},
	}
	for run := 0; run < 2; run++ {
		stat, err := engine.ProcessNotification(context.Background(), notification)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
		if len(stat.Failed) != 0 {
			t.Fatalf("run %d: unexpected failures: %v", run, stat.Failed)
		}
	}
	if directory.deleteCalls[RegionUS] != 0 || directory.deleteCalls[RegionEU] != 0 {
		t.Fatalf("expected no delete calls, got us=%d eu=%d", directory.deleteCalls[RegionUS], directory.deleteCalls[RegionEU])
	}
}

func TestCoalescedChurnDeletesThenRecreates(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS)
	directory.accounts[RegionUS] = []RegionalAccount{{
		Firstname:    "Ann",
		Surname:      "Lee",
		PrimaryEmail: "u1@example.com",
		Type:         AccountTypeChannelAdmin,
	}}
	engine := newTestEngine(resolver, directory, RegionUS)

	_, err := engine.ProcessNotification(context.Background(), &ChangeNotification{
		ClientState: "secret-state",
		MemberDelta: []MemberDeltaEntry{
			{MemberID: "u1", Removed: true},
			{MemberID: "u1", Removed: false},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if directory.deleteCalls[RegionUS] != 1 || directory.createCalls[RegionUS] != 1 {
		t.Fatalf("expected one delete and one create, got delete=%d create=%d",
			directory.deleteCalls[RegionUS], directory.createCalls[RegionUS])
	}
	deleteIdx, createIdx := -1, -1
	for i, call := range directory.callLog {
		if strings.HasPrefix(call, "delete:") {
			deleteIdx = i
		}
		if strings.HasPrefix(call, "create:") {
			createIdx = i
		}
	}
	if deleteIdx == -1 || createIdx == -1 || deleteIdx > createIdx {
		t.Fatalf("expected delete before create, got %v", directory.callLog)
	}
	if len(directory.accounts[RegionUS]) != 1 {
		t.Fatalf("expected the account to be recreated, got %v", directory.accounts[RegionUS])
	}
}

func TestRegionFailureDoesNotBlockSiblingRegion(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS, RegionEU)
	directory.failRegions[RegionUS] = true
	engine := newTestEngine(resolver, directory, RegionUS, RegionEU)

	stat, err := engine.ProcessNotification(context.Background(), &ChangeNotification{
		ClientState: "secret-state",
		MemberDelta: []MemberDeltaEntry{{MemberID: "u1"}},
	})
	if err != nil {
		t.Fatalf("region failure must not fail the batch, got %v", err)
	}
	if len(directory.accounts[RegionEU]) != 1 {
		t.Fatalf("expected the healthy region to converge, got %v", directory.accounts[RegionEU])
	}
	if len(stat.Failed) != 1 || len(stat.Succeeded) != 1 {
		t.Fatalf("expected one failed and one succeeded cell, got %+v", stat)
	}
}

func TestResolutionFailureSkipsOnlyThatMember(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS)
	engine := newTestEngine(resolver, directory, RegionUS)

	stat, err := engine.ProcessNotification(context.Background(), &ChangeNotification{
		ClientState: "secret-state",
		MemberDelta: []MemberDeltaEntry{
			{MemberID: "ghost"},
			{MemberID: "u1"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stat.Skipped) != 1 || stat.Skipped[0] != "ghost" {
		t.Fatalf("expected ghost to be skipped, got %v", stat.Skipped)
	}
	if directory.createCalls[RegionUS] != 1 {
		t.Fatalf("expected the resolvable member to be created, got %d creates", directory.createCalls[RegionUS])
	}
}

func TestTwoRegionAdditionIssuesFourCalls(t *testing.T) {
	resolver := annLeeResolver()
	directory := newFakeDirectory(RegionUS, RegionEU)
	engine := newTestEngine(resolver, directory, RegionUS, RegionEU)

	stat, err := engine.ProcessNotification(context.Background(), &ChangeNotification{
		ClientState: "secret-state",
		MemberDelta: []MemberDeltaEntry{{MemberID: "u1", Removed: false}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolver.tokenCalls != 1 {
		t.Fatalf("expected exactly one token acquisition, got %d", resolver.tokenCalls)
	}
	if directory.totalCalls() != 4 {
		t.Fatalf("expected one list and one create per region (4 calls), got %v", directory.callLog)
	}
	for _, region := range []Region{RegionUS, RegionEU} {
		if directory.listCalls[region] != 1 || directory.createCalls[region] != 1 {
			t.Fatalf("expected list+create in %s, got list=%d create=%d",
				region, directory.listCalls[region], directory.createCalls[region])
		}
		accounts := directory.accounts[region]
		if len(accounts) != 1 {
			t.Fatalf("expected one account in %s, got %v", region, accounts)
		}
		account := accounts[0]
		if account.Firstname != "Ann" || account.Surname != "Lee" ||
			account.PrimaryEmail != "u1@example.com" || account.Type != AccountTypeChannelAdmin {
			t.Fatalf("unexpected account record: %+v", account)
		}
	}
	if len(stat.Succeeded) != 2 {
		t.Fatalf("expected two succeeded cells, got %+v", stat)
	}
}

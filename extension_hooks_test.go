package openbanking

import (
	"context"
	"testing"

	"github.com/goliatone/go-openbanking/core"

	obquery "github.com/goliatone/go-openbanking/query"
)

func TestExtensionHooks_RegisterAndApplyBankPacks(t *testing.T) {
	hooks := NewExtensionHooks()
	pack := BankPack{
		Name:  "uk-pack",
		Banks: []BankConfig{extensionBank("bank_b"), extensionBank("bank_a")},
	}
	if err := hooks.RegisterBankPack(pack); err != nil {
		t.Fatalf("register bank pack: %v", err)
	}
	if err := hooks.RegisterBankPack(pack); err == nil {
		t.Fatalf("expected duplicate bank pack registration error")
	}

	cfg := DefaultConfig()
	cfg.Banks["existing"] = extensionBank("existing")
	merged, err := hooks.ApplyBankPacks(cfg)
	if err != nil {
		t.Fatalf("apply bank packs: %v", err)
	}
	if len(merged.Banks) != 3 {
		t.Fatalf("expected three banks after merge, got %d", len(merged.Banks))
	}
	if _, ok := merged.Bank("bank_a"); !ok {
		t.Fatalf("expected pack bank in merged config")
	}
	if len(cfg.Banks) != 1 {
		t.Fatalf("expected input config to stay untouched, got %d banks", len(cfg.Banks))
	}
}

func TestExtensionHooks_RejectsInvalidPacks(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterBankPack(BankPack{Name: "empty"}); err == nil {
		t.Fatalf("expected empty pack error")
	}
	if err := hooks.RegisterBankPack(BankPack{Name: "twice", Banks: []BankConfig{extensionBank("a"), extensionBank("a")}}); err == nil {
		t.Fatalf("expected duplicate bank id error")
	}
	broken := extensionBank("broken")
	broken.TokenURL = ""
	if err := hooks.RegisterBankPack(BankPack{Name: "broken", Banks: []BankConfig{broken}}); err == nil {
		t.Fatalf("expected invalid bank error")
	}
}

func TestExtensionHooks_ApplyBankPacksRejectsConflicts(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterBankPack(BankPack{Name: "p1", Banks: []BankConfig{extensionBank("shared")}}); err != nil {
		t.Fatalf("register p1: %v", err)
	}
	if err := hooks.RegisterBankPack(BankPack{Name: "p2", Banks: []BankConfig{extensionBank("shared")}}); err != nil {
		t.Fatalf("register p2: %v", err)
	}
	_, err := hooks.ApplyBankPacks(DefaultConfig())
	if err == nil {
		t.Fatalf("expected conflict between packs")
	}
	if !core.IsKind(err, core.ErrorKindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	single := NewExtensionHooks()
	if err := single.RegisterBankPack(BankPack{Name: "p1", Banks: []BankConfig{extensionBank("bankA")}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Banks["bankA"] = extensionBank("bankA")
	if _, err := single.ApplyBankPacks(cfg); err == nil {
		t.Fatalf("expected conflict with configured bank")
	}
}

func TestExtensionHooks_Bundles(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterCommandQueryBundle("consents_bundle", func(facade *Facade) (any, error) {
		return map[string]any{
			"status": facade.Queries().ConsentStatus,
			"revoke": facade.Commands().RevokeConsent,
		}, nil
	}); err != nil {
		t.Fatalf("register bundle: %v", err)
	}
	if err := hooks.RegisterCommandQueryBundle("consents_bundle", func(*Facade) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("expected duplicate bundle registration error")
	}
	if err := hooks.RegisterCommandQueryBundle("a_bundle", func(*Facade) (any, error) { return "a", nil }); err != nil {
		t.Fatalf("register second bundle: %v", err)
	}
	if names := hooks.BundleNames(); len(names) != 2 || names[0] != "a_bundle" {
		t.Fatalf("expected sorted bundle names, got %#v", names)
	}

	facade, err := NewFacade(&stubFacadeService{})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	bundles, err := hooks.BuildCommandQueryBundles(facade)
	if err != nil {
		t.Fatalf("build bundles: %v", err)
	}
	entry, ok := bundles["consents_bundle"].(map[string]any)
	if !ok {
		t.Fatalf("expected consents_bundle entry in built bundles")
	}
	status, ok := entry["status"].(*obquery.ConsentStatusQuery)
	if !ok {
		t.Fatalf("expected consent status query in bundle")
	}
	got, err := status.Query(context.Background(), obquery.ConsentStatusMessage{ConsentID: "c7"})
	if err != nil || got.ConsentID != "c7" {
		t.Fatalf("unexpected bundled query result: %#v %v", got, err)
	}

	if _, err := hooks.BuildCommandQueryBundles(nil); err == nil {
		t.Fatalf("expected nil facade error")
	}
}

func extensionBank(id string) BankConfig {
	return BankConfig{
		ID:               id,
		Name:             id,
		ClientID:         "client-" + id,
		ParURL:           "https://" + id + ".example/par",
		AuthorizationURL: "https://" + id + ".example/authorize",
		TokenURL:         "https://" + id + ".example/token",
		APIBaseURL:       "https://" + id + ".example/open-banking/v3.1",
	}
}

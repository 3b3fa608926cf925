package graph

import (
	"math"
	"testing"
	"time"

	"github.com/chalie-ai/chalie/internal/types"
)

func TestUpsertTraitInsertAndReinforce(t *testing.T) {
	db := setupTestDB(t)

	obs := types.TraitObservation{
		Key: "coffee", Value: "drinks it black", Category: types.TraitPreference,
		Confidence: 0.5, Source: types.TraitInferred,
	}
	if _, err := db.UpsertTrait(obs, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same value reinforces
	got, err := db.UpsertTrait(obs, nil)
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	if got.ReinforcementCount != 2 {
		t.Errorf("count %d, want 2", got.ReinforcementCount)
	}
	if math.Abs(got.Confidence-0.55) > 1e-9 {
		t.Errorf("confidence %f, want 0.55", got.Confidence)
	}
}

func TestUpsertTraitConflict(t *testing.T) {
	db := setupTestDB(t)
	db.UpsertTrait(types.TraitObservation{
		Key: "coffee", Value: "black", Category: types.TraitPreference,
		Confidence: 0.8, Source: types.TraitExplicit,
	}, nil)

	// Weaker contradiction: value stands, conflict is stamped
	got, _ := db.UpsertTrait(types.TraitObservation{
		Key: "coffee", Value: "with milk", Category: types.TraitPreference,
		Confidence: 0.4, Source: types.TraitInferred,
	}, nil)
	if got.Value != "black" {
		t.Errorf("weaker observation replaced value: %s", got.Value)
	}
	if got.LastConflictAt == nil {
		t.Error("conflict not stamped")
	}

	// Stronger contradiction wins and resets reinforcement
	got, _ = db.UpsertTrait(types.TraitObservation{
		Key: "coffee", Value: "with milk", Category: types.TraitPreference,
		Confidence: 0.9, Source: types.TraitExplicit,
	}, nil)
	if got.Value != "with milk" {
		t.Errorf("stronger observation did not replace value: %s", got.Value)
	}
	if got.ReinforcementCount != 1 {
		t.Errorf("count %d, want reset to 1", got.ReinforcementCount)
	}
}

func TestDecayTraitsCoreNeverDecays(t *testing.T) {
	db := setupTestDB(t)
	db.UpsertTrait(types.TraitObservation{
		Key: "name", Value: "Sam", Category: types.TraitCore,
		Confidence: 0.9, Source: types.TraitExplicit,
	}, nil)

	db.DecayTraits(time.Now(), 30*24*time.Hour, 7)
	got, _ := db.GetTrait("name")
	if got.Confidence != 0.9 {
		t.Errorf("core trait decayed to %f", got.Confidence)
	}
}

func TestDecayTraitsGeneralRate(t *testing.T) {
	db := setupTestDB(t)
	db.UpsertTrait(types.TraitObservation{
		Key: "mood", Value: "stressed about work", Category: types.TraitGeneral,
		Confidence: 0.5, Source: types.TraitExplicit,
	}, nil)

	// 10 days at 0.015/day, reinforcement count 1 gives resistance 1
	db.DecayTraits(time.Now(), 10*24*time.Hour, 7)
	got, _ := db.GetTrait("mood")
	if math.Abs(got.Confidence-0.35) > 1e-9 {
		t.Errorf("confidence %f, want 0.35", got.Confidence)
	}
}

func TestDecayTraitsInferredDecaysFaster(t *testing.T) {
	db := setupTestDB(t)
	db.UpsertTrait(types.TraitObservation{
		Key: "a", Value: "v", Category: types.TraitGeneral,
		Confidence: 0.5, Source: types.TraitExplicit,
	}, nil)
	db.UpsertTrait(types.TraitObservation{
		Key: "b", Value: "v", Category: types.TraitGeneral,
		Confidence: 0.5, Source: types.TraitInferred,
	}, nil)

	db.DecayTraits(time.Now(), 10*24*time.Hour, 7)
	explicit, _ := db.GetTrait("a")
	inferred, _ := db.GetTrait("b")
	if inferred.Confidence >= explicit.Confidence {
		t.Errorf("inferred %f should sit below explicit %f", inferred.Confidence, explicit.Confidence)
	}
}

func TestDecayTraitsFloorThenDelete(t *testing.T) {
	db := setupTestDB(t)
	db.UpsertTrait(types.TraitObservation{
		Key: "fading", Value: "v", Category: types.TraitGeneral,
		Confidence: 0.06, Source: types.TraitInferred,
	}, nil)

	now := time.Now()
	db.DecayTraits(now, 10*24*time.Hour, 7)
	got, err := db.GetTrait("fading")
	if err != nil {
		t.Fatalf("trait deleted before its floor countdown: %v", err)
	}
	if got.Confidence != TraitConfidenceFloor {
		t.Errorf("confidence %f, want held at floor", got.Confidence)
	}
	if got.FloorSince == nil {
		t.Fatal("floor_since not stamped")
	}

	_, deleted, _ := db.DecayTraits(now.Add(8*24*time.Hour), 10*24*time.Hour, 7)
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}
	if _, err := db.GetTrait("fading"); err == nil {
		t.Error("trait should be gone after the floor countdown")
	}
}

func TestConfidentTraits(t *testing.T) {
	db := setupTestDB(t)
	db.UpsertTrait(types.TraitObservation{Key: "a", Value: "v", Category: types.TraitGeneral,
		Confidence: 0.8, Source: types.TraitExplicit}, nil)
	db.UpsertTrait(types.TraitObservation{Key: "b", Value: "v", Category: types.TraitGeneral,
		Confidence: 0.3, Source: types.TraitInferred}, nil)

	confident, err := db.ConfidentTraits(0.7)
	if err != nil {
		t.Fatalf("confident: %v", err)
	}
	if len(confident) != 1 || confident[0].Key != "a" {
		t.Errorf("got %d traits, want just the confident one", len(confident))
	}
}

func TestSetTraitValueUpserts(t *testing.T) {
	db := setupTestDB(t)
	db.SetTraitValue("verbosity", "terse", types.TraitCommStyle, 0.6)
	db.SetTraitValue("verbosity", "expansive", types.TraitCommStyle, 0.7)

	got, err := db.GetTrait("verbosity")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "expansive" || got.ReinforcementCount != 2 {
		t.Errorf("got %q count %d", got.Value, got.ReinforcementCount)
	}
}

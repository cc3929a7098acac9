package resource

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

func TestMergeOverrideWins(t *testing.T) {
	base := ContainerContext{
		Image:            "base:1",
		ImagePullPolicy:  "Always",
		ImagePullSecrets: []string{"regcred"},
		Namespace:        "pipelines",
		EnvVars:          map[string]string{"A": "1", "B": "1"},
		Labels:           map[string]string{"team": "data"},
	}
	override := ContainerContext{
		Image:   "run:2",
		EnvVars: map[string]string{"B": "2", "C": "2"},
		Secrets: []Secret{{Name: "TOKEN", ValueFrom: "arn:token"}},
	}

	got := base.Merge(override)

	if got.Image != "run:2" {
		t.Errorf("Image = %q, want run:2", got.Image)
	}
	if got.ImagePullPolicy != "Always" {
		t.Errorf("ImagePullPolicy = %q, want fall-through Always", got.ImagePullPolicy)
	}
	if got.Namespace != "pipelines" {
		t.Errorf("Namespace = %q, want pipelines", got.Namespace)
	}
	if !reflect.DeepEqual(got.ImagePullSecrets, []string{"regcred"}) {
		t.Errorf("ImagePullSecrets = %v", got.ImagePullSecrets)
	}
	wantEnv := map[string]string{"A": "1", "B": "2", "C": "2"}
	if !reflect.DeepEqual(got.EnvVars, wantEnv) {
		t.Errorf("EnvVars = %v, want %v", got.EnvVars, wantEnv)
	}
	if len(got.Secrets) != 1 || got.Secrets[0].Name != "TOKEN" {
		t.Errorf("Secrets = %v", got.Secrets)
	}
}

func TestMergeListReplacesNotAppends(t *testing.T) {
	base := ContainerContext{EnvSecrets: []string{"a", "b"}}
	override := ContainerContext{EnvSecrets: []string{"c"}}

	got := base.Merge(override)
	if !reflect.DeepEqual(got.EnvSecrets, []string{"c"}) {
		t.Errorf("EnvSecrets = %v, want [c]", got.EnvSecrets)
	}
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	base := ContainerContext{Labels: map[string]string{"a": "1"}, EnvSecrets: []string{"x"}}
	got := base.Merge(ContainerContext{})

	got.Labels["a"] = "changed"
	got.EnvSecrets[0] = "changed"

	if base.Labels["a"] != "1" || base.EnvSecrets[0] != "x" {
		t.Error("Merge result aliases the base context")
	}
}

func TestMergeEmptyIsIdentity(t *testing.T) {
	base := ContainerContext{Image: "img", CPU: "256"}
	if got := base.Merge(ContainerContext{}); !reflect.DeepEqual(got, base) {
		t.Errorf("base.Merge(empty) = %+v, want %+v", got, base)
	}
	if got := (ContainerContext{}).Merge(base); !reflect.DeepEqual(got, base) {
		t.Errorf("empty.Merge(base) = %+v, want %+v", got, base)
	}
}

func genContext() *rapid.Generator[ContainerContext] {
	str := rapid.SampledFrom([]string{"", "a", "b", "c"})
	list := rapid.SliceOfN(rapid.SampledFrom([]string{"x", "y", "z"}), 0, 3)
	labels := rapid.MapOfN(rapid.SampledFrom([]string{"k1", "k2", "k3"}), rapid.SampledFrom([]string{"v1", "v2"}), 0, 3)
	secrets := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Secret {
		return Secret{
			Name:      rapid.SampledFrom([]string{"S1", "S2"}).Draw(t, "name"),
			ValueFrom: rapid.SampledFrom([]string{"arn:1", "arn:2"}).Draw(t, "value_from"),
		}
	}), 0, 2)

	return rapid.Custom(func(t *rapid.T) ContainerContext {
		return ContainerContext{
			Image:              str.Draw(t, "image"),
			ImagePullPolicy:    str.Draw(t, "pull_policy"),
			ImagePullSecrets:   list.Draw(t, "pull_secrets"),
			ServiceAccountName: str.Draw(t, "service_account"),
			Secrets:            secrets.Draw(t, "secrets"),
			EnvConfigMaps:      list.Draw(t, "env_config_maps"),
			EnvSecrets:         list.Draw(t, "env_secrets"),
			EnvVars:            labels.Draw(t, "env_vars"),
			Labels:             labels.Draw(t, "labels"),
			Namespace:          str.Draw(t, "namespace"),
			CPU:                str.Draw(t, "cpu"),
			Memory:             str.Draw(t, "memory"),
		}
	})
}

// normalize maps empty collections to nil so DeepEqual compares content.
func normalize(c ContainerContext) ContainerContext {
	return c.Merge(ContainerContext{})
}

func TestPropertyMergeIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := genContext().Draw(t, "base")
		override := genContext().Draw(t, "override")

		once := base.Merge(override)
		twice := once.Merge(override)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("merge not idempotent:\nonce  %+v\ntwice %+v", once, twice)
		}
	})
}

func TestPropertyMergeAssociative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genContext().Draw(t, "a")
		b := genContext().Draw(t, "b")
		c := genContext().Draw(t, "c")

		left := a.Merge(b).Merge(c)
		right := a.Merge(b.Merge(c))
		if !reflect.DeepEqual(normalize(left), normalize(right)) {
			t.Fatalf("merge not associative:\n(ab)c %+v\na(bc) %+v", left, right)
		}
	})
}

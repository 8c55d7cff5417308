// Package i18n translates user-facing strings: the presence banner, send
// affordances and relay error messages.
//
// Locale files are nested JSON embedded into the binary and flattened into
// dot keys on load:
//
//	{"presence": {"disconnected": "..."}}  →  "presence.disconnected"
//
// Lookups fall back to DefaultLanguage and finally to the key itself, so a
// missing translation never produces an empty banner.
package i18n

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"sync"
)

// SupportedLanguages lists the bundled locales.
var SupportedLanguages = []string{"ko", "en", "tr"}

// DefaultLanguage is used for unknown languages and missing keys.
const DefaultLanguage = "ko"

var (
	translations map[string]map[string]string
	loadOnce     sync.Once
	loadErr      error
)

// Load reads every supported locale from localesFS. Only the first call does
// any work; later calls return its result.
func Load(localesFS fs.FS) error {
	loadOnce.Do(func() {
		loaded := make(map[string]map[string]string, len(SupportedLanguages))

		for _, lang := range SupportedLanguages {
			fileName := lang + ".json"

			data, err := fs.ReadFile(localesFS, fileName)
			if err != nil {
				loadErr = fmt.Errorf("failed to read translation file %s: %w", fileName, err)
				return
			}

			var nested map[string]any
			if err := json.Unmarshal(data, &nested); err != nil {
				loadErr = fmt.Errorf("failed to parse translation file %s: %w", fileName, err)
				return
			}

			flat := make(map[string]string)
			flattenMap("", nested, flat)
			loaded[lang] = flat

			log.Printf("[i18n] loaded %d keys for language: %s", len(flat), lang)
		}

		translations = loaded
	})

	return loadErr
}

// MustLoadEmbedded loads the bundled locales, panicking on a broken build.
func MustLoadEmbedded() {
	if err := Load(EmbeddedLocales); err != nil {
		panic(err)
	}
}

// Localizer translates keys for one language.
type Localizer struct {
	lang string
}

// NewLocalizer returns a localizer for lang, or for DefaultLanguage when
// lang is not bundled.
func NewLocalizer(lang string) *Localizer {
	if !isSupported(lang) {
		lang = DefaultLanguage
	}
	return &Localizer{lang: lang}
}

// Lang returns the effective language.
func (l *Localizer) Lang() string {
	return l.lang
}

// T translates key.
func (l *Localizer) T(key string) string {
	if msg, ok := translations[l.lang][key]; ok {
		return msg
	}
	if msg, ok := translations[DefaultLanguage][key]; ok {
		return msg
	}
	return key
}

// TWithParams translates key and fills {{name}} placeholders.
func (l *Localizer) TWithParams(key string, params map[string]string) string {
	msg := l.T(key)
	for k, v := range params {
		msg = strings.ReplaceAll(msg, "{{"+k+"}}", v)
	}
	return msg
}

// DetectLanguage picks the first supported language from an Accept-Language
// header value.
func DetectLanguage(acceptLanguage string) string {
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		base, _, _ := strings.Cut(tag, "-")
		lang := strings.ToLower(base)

		if isSupported(lang) {
			return lang
		}
	}
	return DefaultLanguage
}

func isSupported(lang string) bool {
	for _, l := range SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

func flattenMap(prefix string, src map[string]any, dst map[string]string) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		switch val := v.(type) {
		case string:
			dst[key] = val
		case map[string]any:
			flattenMap(key, val, dst)
		}
	}
}

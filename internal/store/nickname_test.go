package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckNickname(t *testing.T) {
	assert.Equal(t, "", CheckNickname("alice"))
	assert.Equal(t, "", CheckNickname("选手甲"))
	assert.Equal(t, "", CheckNickname("mixed 名字 42"))

	// emoji built from components are fine
	assert.Equal(t, "", CheckNickname("🇨🇳 alice"))
	assert.Equal(t, "", CheckNickname("👩‍💻"))
}

func TestCheckNicknameRejectsControlChars(t *testing.T) {
	msg := CheckNickname("ali\u0007ce")
	assert.Contains(t, msg, "昵称中不能包含字符")

	msg = CheckNickname("rtl\u202eevil")
	assert.Contains(t, msg, "昵称中不能包含字符")
}

func TestCheckNicknameRejectsWhitespaceOnly(t *testing.T) {
	assert.Equal(t, "昵称不能全为空格", CheckNickname("   "))
	assert.Equal(t, "昵称不能全为空格", CheckNickname("　　"))
	assert.Equal(t, "", CheckNickname(""))
}

func TestCheckNicknameRejectsWideNames(t *testing.T) {
	// 21 fullwidth chars render at width 42
	assert.Equal(t, "昵称过宽", CheckNickname(strings.Repeat("宽", 21)))
	assert.Equal(t, "", CheckNickname(strings.Repeat("宽", 20)))

	assert.Contains(t, CheckNickname("\U00012423"), "昵称中不能包含字符")
}

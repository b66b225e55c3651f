package fetch

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSolveChallenge_FromCharCode(t *testing.T) {
	t.Parallel()

	script := `a=String.fromCharCode(49,50,51);document.cookie="tok"+"="+a+";path=/"`
	cookie, err := SolveChallenge(challengePage(base64.StdEncoding.EncodeToString([]byte(script))))
	require.NoError(t, err)
	require.Equal(t, "tok=123", cookie.String())
}

func TestSolveChallenge_StringMethods(t *testing.T) {
	t.Parallel()

	script := `var k='xsucuri_cloudproxy_uuid_abc'.slice(1);` +
		`v="0a1b2c3d".substr(2, 4) + 'zz'.charAt(1) + ("q"+"r").substring(1);` +
		`v+=String.fromCharCode(0x41);` +
		`document.cookie=k+"="+v+";path=/;max-age=86400";location.reload();`
	cookie, err := SolveChallenge(`<script>S='` + base64.StdEncoding.EncodeToString([]byte(script)) + `'</script>`)
	require.NoError(t, err)
	require.Equal(t, Cookie{Name: "sucuri_cloudproxy_uuid_abc", Value: "1b2czrA"}, cookie)
}

func TestSolveChallenge_SkipsUnsupportedStatements(t *testing.T) {
	t.Parallel()

	script := `if(x){y()};n=1+2;document.cookie='n='+n`
	cookie, err := SolveChallenge(`S = "` + base64.StdEncoding.EncodeToString([]byte(script)) + `";`)
	require.NoError(t, err)
	require.Equal(t, "n=3", cookie.String())
}

func TestSolveChallenge_Failures(t *testing.T) {
	t.Parallel()

	_, err := SolveChallenge("<html>nothing here</html>")
	require.ErrorIs(t, err, ErrChallengeUnsolved)

	noCookie := base64.StdEncoding.EncodeToString([]byte(`a='1';b=a+'2'`))
	_, err = SolveChallenge(`S='` + noCookie + `'`)
	require.ErrorIs(t, err, ErrChallengeUnsolved)

	exec := base64.StdEncoding.EncodeToString([]byte(`document.cookie=eval("x")`))
	_, err = SolveChallenge(`S='` + exec + `'`)
	require.ErrorIs(t, err, ErrChallengeUnsolved)
}
